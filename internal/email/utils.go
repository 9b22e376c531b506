// Package email provides utilities for email address handling
package email

import (
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+'-]+@[a-zA-Z0-9._-]+\.[a-zA-Z]{2,}$`)

// IsValidEmail performs basic email validation
func IsValidEmail(email string) bool {
	if email == "" {
		return false
	}

	if strings.TrimSpace(email) != email {
		return false
	}

	// RFC 5321 limit
	if len(email) > 320 {
		return false
	}

	return emailRegex.MatchString(email)
}

// Normalize trims surrounding whitespace and lowercases an address so it can
// be used as a set key. Platform emails compare case-insensitively.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Equal reports whether two addresses refer to the same mailbox
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Set is a case-insensitive collection of email addresses
type Set map[string]struct{}

// NewSet builds a Set from the given addresses, ignoring blanks
func NewSet(emails ...string) Set {
	s := make(Set, len(emails))
	for _, e := range emails {
		s.Add(e)
	}
	return s
}

// Add inserts an address
func (s Set) Add(email string) {
	if n := Normalize(email); n != "" {
		s[n] = struct{}{}
	}
}

// Contains reports whether the address is in the set
func (s Set) Contains(email string) bool {
	_, ok := s[Normalize(email)]
	return ok
}
