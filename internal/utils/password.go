package utils

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoOperatorPassword is returned by ValidatePasswordHash for an empty
// hash.  Operator login stays disabled in that case.
var ErrNoOperatorPassword = errors.New("operator password hash not set")

// HashPassword returns a bcrypt hash using the given cost.  It produces the
// value operators put in OPERATOR_PASSWORD_HASH.
func HashPassword(plain string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("hash operator password: %w", err)
	}
	return string(b), nil
}

// ValidatePasswordHash checks that hash is a bcrypt hash the login endpoint
// can verify against, so a mistyped OPERATOR_PASSWORD_HASH fails at startup
// rather than on every login.
func ValidatePasswordHash(hash string) error {
	if hash == "" {
		return ErrNoOperatorPassword
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("OPERATOR_PASSWORD_HASH is not a bcrypt hash: %w", err)
	}
	return nil
}

// VerifyPassword reports whether plain matches the operator's bcrypt hash.
// An empty hash never matches.
func VerifyPassword(hash, plain string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
