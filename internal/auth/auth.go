// Package auth verifies connection credentials for both WebSocket planes.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// tokenBytes sizes generated tokens at 192 bits, comfortably above the
// 128-bit floor.
const tokenBytes = 24

var (
	// ErrInvalidToken means the token was missing or wrong.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidPassword means a password is configured and the supplied
	// value did not match.
	ErrInvalidPassword = errors.New("invalid password")
)

// Service checks client-supplied credentials against the configured token
// and optional password.
type Service struct {
	token    string
	password string
}

// NewService builds a Service. The token must be non-empty; password may
// be empty (no password required), cleartext, or a bcrypt digest.
func NewService(token, password string) *Service {
	return &Service{token: token, password: password}
}

// RequiresPassword reports whether clients must supply a password.
func (s *Service) RequiresPassword() bool {
	return s.password != ""
}

// Verify checks a token/password pair. The token is always required; the
// password only when one is configured. Comparisons are constant time.
func (s *Service) Verify(token, password string) error {
	if token == "" || !hmac.Equal([]byte(token), []byte(s.token)) {
		return ErrInvalidToken
	}
	if s.password == "" {
		return nil
	}
	if isBcryptHash(s.password) {
		if bcrypt.CompareHashAndPassword([]byte(s.password), []byte(password)) != nil {
			return ErrInvalidPassword
		}
		return nil
	}
	if !hmac.Equal([]byte(password), []byte(s.password)) {
		return ErrInvalidPassword
	}
	return nil
}

// isBcryptHash detects stored bcrypt digests so operators can keep a hash
// in the config file instead of the cleartext password.
func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// GenerateToken mints a URL-safe random token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
