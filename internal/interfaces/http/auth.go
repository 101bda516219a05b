package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "

	actorKey = "actor"
	rolesKey = "roles"

	// RoleAuditAdmin may lift an audit write halt
	RoleAuditAdmin = "audit_admin"
)

// AuthConfig holds JWT settings
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TokenTTL time.Duration
}

// Claims identify the caller. The subject is the approver identity the
// engine checks eligibility against.
type Claims struct {
	jwt.RegisteredClaims

	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the claims carry role
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenManager issues and verifies HS256 access tokens
type TokenManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    clock.Clock
}

// NewTokenManager creates a token manager
func NewTokenManager(cfg AuthConfig, clk clock.Clock) (*TokenManager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		clock:    clk,
	}, nil
}

// Issue signs a token for actor
func (m *TokenManager) Issue(actor string, roles ...string) (string, error) {
	if actor == "" {
		return "", errors.New("actor is required")
	}
	now := m.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		Roles: roles,
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates a token
func (m *TokenManager) Verify(token string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.clock.Now),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject missing")
	}
	return claims, nil
}

// RequireToken verifies the bearer token and stores the caller on the context
func RequireToken(m *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if !strings.HasPrefix(raw, bearerPrefix) {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix))
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		c.Set(actorKey, claims.Subject)
		c.Set(rolesKey, claims.Roles)
		c.Next()
	}
}

// RequireRole rejects callers whose token lacks role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roles := c.GetStringSlice(rolesKey)
		if !(Claims{Roles: roles}).HasRole(role) {
			abortWithError(c, http.StatusForbidden, "forbidden", "role "+role+" required")
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) string {
	return c.GetString(actorKey)
}
