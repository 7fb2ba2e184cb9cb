// Package auth verifies the shared secret agents present when they open
// their WebSocket connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for a missing or wrong agent token.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier checks agent tokens against a bcrypt hash. The plaintext secret
// is never kept in memory after construction.
type Verifier struct {
	hash []byte
}

// NewVerifier builds a verifier from either a plaintext token, which is
// hashed here, or an existing bcrypt hash. The hash wins when both are set.
func NewVerifier(token, tokenHash string) (*Verifier, error) {
	if tokenHash != "" {
		if _, err := bcrypt.Cost([]byte(tokenHash)); err != nil {
			return nil, fmt.Errorf("auth: invalid agent token hash: %w", err)
		}
		return &Verifier{hash: []byte(tokenHash)}, nil
	}
	if token == "" {
		return nil, errors.New("auth: agent token is required")
	}
	hash, err := HashToken(token)
	if err != nil {
		return nil, err
	}
	return &Verifier{hash: []byte(hash)}, nil
}

// HashToken returns the bcrypt hash to put in auth.agent_token_hash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash token: %w", err)
	}
	return string(hash), nil
}

// Verify compares token with the configured secret.
func (v *Verifier) Verify(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// VerifyRequest checks the request's bearer token.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	return v.Verify(BearerToken(r))
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
