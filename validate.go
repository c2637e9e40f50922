package emailauth

import (
	"regexp"
	"strings"
)

var emailRegexp = regexp.MustCompile(`^(([^<>()\[\]\\.,;:\s@"]+(\.[^<>()\[\]\\.,;:\s@"]+)*)|(".+"))@((\[[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}])|(([a-zA-Z\-0-9]+\.)+[a-zA-Z]{2,}))$`)

// NormalizeEmail returns the canonical form of an email address used for
// lookups and storage: surrounding white space removed, lowercased.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateEmail checks the format of a normalized email address.
// The returned error is an *Error of kind ErrValidation.
func validateEmail(email, field string) error {
	if email == "" {
		return &Error{Kind: ErrValidation, Message: "Please enter your email address.", Field: field}
	}
	if !emailRegexp.MatchString(email) {
		return &Error{Kind: ErrValidation, Message: `Your email address must be in the form "name@domain.tld".`, Field: field}
	}
	return nil
}
