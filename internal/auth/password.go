// Package auth holds the credential primitives: bcrypt password hashing, the
// session token service, and bearer header parsing.
// See internal/middleware/auth.go for the request-time gate built on them.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost matches the cost used for the existing user base.
const DefaultBcryptCost = 10

var (
	// ErrInvalidCredentials is the single error for unknown user and wrong
	// password so callers cannot leak which one happened.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrMissingBearer means no usable bearer token was presented.
	ErrMissingBearer = errors.New("missing bearer token")
)

var (
	dummyHash     []byte
	dummyHashOnce sync.Once
)

// HashPassword bcrypt-hashes password with the given cost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash.
func CheckPassword(storedHash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// BurnPasswordCheck runs a bcrypt comparison against a throwaway hash so a
// login for an unknown username costs the same as a wrong password.
func BurnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sensorhub-timing-equaliser"), DefaultBcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// ExtractBearerToken returns the token from an "Authorization: Bearer <token>"
// header value.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: authorization header is empty", ErrMissingBearer)
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("%w: authorization header must start with 'Bearer '", ErrMissingBearer)
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("%w: token is empty after Bearer prefix", ErrMissingBearer)
	}
	return token, nil
}
