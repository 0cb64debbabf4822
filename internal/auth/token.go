// Package auth guards the local control API with a shared bearer token.
//
// The running instance generates a token at startup and publishes it next to
// its address in the instance file; local clients read it from there.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// QueryParam carries the token for clients that cannot set headers (EventSource).
const QueryParam = "token"

var ErrInvalidCredentials = errors.New("invalid credentials")

// NewToken returns a random 32-byte hex token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// BearerHeader formats token for the Authorization header.
func BearerHeader(token string) string { return "Bearer " + token }

// FromRequest extracts a presented token: Authorization bearer first, then
// the token query parameter.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get(QueryParam)
}

// Verify compares presented against expected in constant time.
func Verify(expected, presented string) error {
	if expected == "" || presented == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
