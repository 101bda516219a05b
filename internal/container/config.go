// Package container provides dependency injection and lifecycle management
// for the document approval engine.
package container

import (
	"fmt"
	"time"
)

// Config holds all configuration for the Container.
// It aggregates configurations for all subsystems.
type Config struct {
	// Storage selects sqlite or the in-memory store
	Storage StorageConfig

	// Database configuration, used by the sqlite driver
	Database DatabaseConfig

	// Server configuration
	Server ServerConfig

	// Auth configuration
	Auth AuthConfig

	// Engine configuration
	Engine EngineConfig

	// Audit writer configuration
	Audit AuditConfig

	// Catalog configuration
	Catalog CatalogConfig

	// Event dispatcher configuration
	Dispatcher DispatcherConfig

	// Lark notification configuration
	Lark LarkConfig

	// Redis notification configuration
	Redis RedisConfig
}

// StorageConfig selects the repository implementation.
type StorageConfig struct {
	// Driver is "sqlite" or "memory"
	Driver string
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum connection lifetime
	ConnMaxLifetime time.Duration

	// MigrationsDir overrides the embedded migrations when set
	MigrationsDir string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig holds JWT settings.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TokenTTL time.Duration
}

// EngineConfig holds approval engine and deadline settings.
type EngineConfig struct {
	// DayLength is the duration of one timeout day
	DayLength time.Duration

	// SweepInterval is how often the deadline sweeper re-arms timers
	SweepInterval time.Duration

	// SweepTimeout bounds one sweep
	SweepTimeout time.Duration

	// RetryBackoff is the delay before a failed timer handler is retried
	RetryBackoff time.Duration

	// MaxRetries bounds handler retries per timer
	MaxRetries int
}

// AuditConfig holds audit writer settings.
type AuditConfig struct {
	// QueueSize bounds pending audit jobs
	QueueSize int
}

// DispatcherConfig holds event delivery settings.
type DispatcherConfig struct {
	// QueueSize bounds undelivered events per subscriber; overflow is dropped
	QueueSize int
}

// CatalogConfig locates the approval catalog.
type CatalogConfig struct {
	// Path to the catalog YAML. Empty skips loading.
	Path string

	// DefaultChainID overrides the catalog's default chain when set
	DefaultChainID string
}

// LarkConfig holds Lark API settings.
type LarkConfig struct {
	Enabled       bool
	AppID         string
	AppSecret     string
	ReceiveIDType string
}

// RedisConfig holds event broker settings.
type RedisConfig struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	ChannelPrefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Database: DatabaseConfig{
			Path:            "data/approvals.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:   "doc-approval",
			TokenTTL: time.Hour,
		},
		Engine: EngineConfig{
			DayLength:     24 * time.Hour,
			SweepInterval: 5 * time.Minute,
			SweepTimeout:  time.Minute,
			RetryBackoff:  30 * time.Second,
			MaxRetries:    5,
		},
		Audit: AuditConfig{
			QueueSize: 256,
		},
		Dispatcher: DispatcherConfig{
			QueueSize: 256,
		},
		Lark: LarkConfig{
			ReceiveIDType: "open_id",
		},
		Redis: RedisConfig{
			PoolSize:      10,
			ChannelPrefix: "approvals",
		},
	}
}

// Validate checks that required configuration values are present.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Engine.DayLength <= 0 {
		return fmt.Errorf("scheduler.day_length must be positive")
	}

	if c.Lark.Enabled && (c.Lark.AppID == "" || c.Lark.AppSecret == "") {
		return fmt.Errorf("lark.app_id and lark.app_secret are required when lark is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	return nil
}
