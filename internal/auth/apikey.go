package auth

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the machine credential of the ML detector.
const APIKeyHeader = "X-API-Key"

// APIKeyChecker compares presented API keys against a stored bcrypt hash so the
// plaintext key never sits in configuration.
type APIKeyChecker struct {
	hash []byte
}

// NewAPIKeyChecker validates that hash is a bcrypt hash.
func NewAPIKeyChecker(hash string) (*APIKeyChecker, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("auth: API key hash is not a bcrypt hash: %w", err)
	}
	return &APIKeyChecker{hash: []byte(hash)}, nil
}

// HashAPIKey produces the value to configure as ML_API_KEY_HASH.
// bcrypt only looks at the first 72 bytes, so longer keys are rejected.
func HashAPIKey(key string, cost int) (string, error) {
	if len(key) > 72 {
		return "", fmt.Errorf("auth: API key must be 72 bytes or fewer")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing API key: %w", err)
	}
	return string(hashed), nil
}

// Check reports whether key matches the stored hash.
func (c *APIKeyChecker) Check(key string) error {
	if key == "" {
		return errors.New("auth: missing API key")
	}
	err := bcrypt.CompareHashAndPassword(c.hash, []byte(key))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("auth: invalid API key")
		}
		return fmt.Errorf("auth: comparing API key hash: %w", err)
	}
	return nil
}

// RequireAPIKey rejects requests whose X-API-Key header does not match.
// A nil checker lets every request through.
func RequireAPIKey(c *APIKeyChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := c.Check(r.Header.Get(APIKeyHeader)); err != nil {
				unauthorized(w, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
