package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// maxClientFieldLength bounds client-supplied strings persisted with sessions.
	maxClientFieldLength = 512
	maxPrincipalLength   = 128
)

// SanitizeClientField prepares a client-supplied header value (user agent,
// forwarded address) for storage. Control characters are dropped and the
// value is cut to maxClientFieldLength bytes on a rune boundary. Values are
// stored as sent; escaping is left to the output encoder.
func SanitizeClientField(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) <= maxClientFieldLength {
		return s
	}
	cut := maxClientFieldLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// IsValidPrincipalName reports whether s can be used as a username taken from
// the upstream authentication headers: letters, digits and . _ @ - only.
func IsValidPrincipalName(s string) bool {
	if s == "" || utf8.RuneCountInString(s) > maxPrincipalLength {
		return false
	}
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
		case r == '.', r == '_', r == '@', r == '-':
		default:
			return false
		}
	}
	return true
}
