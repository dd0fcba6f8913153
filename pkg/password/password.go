// Package password contains credential hashing and strength helpers.
package password

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost is the default bcrypt cost
	DefaultCost = 12

	// MinLength is the minimum accepted credential length
	MinLength = 8
)

// obviousTokens are substrings that mark a credential as guessable.
var obviousTokens = []string{
	"password",
	"passwort",
	"123456",
	"qwerty",
	"secret",
	"changeme",
	"change-me",
	"default",
	"admin",
	"letmein",
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// VerifyPassword verifies a password against its hash
func VerifyPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// IsValidPassword checks if a password meets minimum requirements
func IsValidPassword(password string) bool {
	return len(password) >= MinLength && !IsWeak(password)
}

// IsWeak reports whether a credential is too short or contains an obvious
// token. Used by the configuration store when validating critical secrets
// in production mode.
func IsWeak(credential string) bool {
	if len(credential) < MinLength {
		return true
	}
	lower := strings.ToLower(credential)
	for _, tok := range obviousTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
