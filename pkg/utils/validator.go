package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds document, chain, rule and approver identifiers
const MaxIdentifierLength = 128

// MaxTextLength bounds free-form comments and reasons
const MaxTextLength = 4000

var (
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@\-]*$`)
	controlRegex    = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// ValidateIdentifier checks an identifier such as a document id or approver id
func ValidateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%s exceeds %d characters", kind, MaxIdentifierLength)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s: %q", kind, id)
	}
	return nil
}

// ValidateIdentifiers applies ValidateIdentifier to every element of ids
func ValidateIdentifiers(kind string, ids []string) error {
	for _, id := range ids {
		if err := ValidateIdentifier(kind, id); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeString removes control characters (keeping tab and newlines),
// trims surrounding space and truncates to MaxTextLength bytes on a rune boundary.
func SanitizeString(s string) string {
	sanitized := strings.TrimSpace(controlRegex.ReplaceAllString(s, ""))
	if len(sanitized) <= MaxTextLength {
		return sanitized
	}
	cut := MaxTextLength
	for cut > 0 && !isRuneStart(sanitized[cut]) {
		cut--
	}
	return sanitized[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
