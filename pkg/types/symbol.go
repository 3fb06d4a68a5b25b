package types

import (
	"regexp"
	"strings"
)

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// NormalizeSymbol trims and upper-cases raw and validates it against the
// accepted ticker format. Rejection is a validation error.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolPattern.MatchString(s) {
		return "", NewValidationError("Invalid symbol: %q", raw)
	}
	return s, nil
}

// ValidSymbol reports whether s already matches the accepted ticker format.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}
