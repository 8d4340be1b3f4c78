package auth

import (
	"unicode"

	"github.com/logship/core/internal/errors"
)

// minPasswordLength is the floor enforced by spec §4.6: at least 12
// characters and at least one each of upper, lower, digit, punctuation.
const minPasswordLength = 12

// ValidatePasswordPolicy checks a candidate password against the
// complexity floor. It returns a client-safe WEAK_PASSWORD error
// describing which rule failed, never the password itself.
func ValidatePasswordPolicy(password string) *errors.AppError {
	if len(password) < minPasswordLength {
		return errors.WeakPassword("password must be at least 12 characters")
	}

	var hasUpper, hasLower, hasDigit, hasPunct bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasPunct = true
		}
	}

	switch {
	case !hasUpper:
		return errors.WeakPassword("password must include an uppercase letter")
	case !hasLower:
		return errors.WeakPassword("password must include a lowercase letter")
	case !hasDigit:
		return errors.WeakPassword("password must include a digit")
	case !hasPunct:
		return errors.WeakPassword("password must include a punctuation character")
	}

	return nil
}
