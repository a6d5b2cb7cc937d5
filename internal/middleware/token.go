// Package middleware provides authentication and request logging for the
// flagbridge gRPC channel and the metrics HTTP server. Host tokens are
// stored as bcrypt hashes; a legacy SHA-256 hex digest is still accepted.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const tokenHashCost = bcrypt.DefaultCost

var errTokenMismatch = errors.New("token does not match")

// HashToken returns a salted bcrypt hash suitable for BRIDGE_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// TokenMatchesHash compares a host token against a stored hash.
func TokenMatchesHash(expectedHash, token string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(token)); err == nil {
		return true
	}
	return legacyTokenMatchesHash(expectedHash, token)
}

func legacyTokenMatchesHash(expectedHash, token string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}
	actual := sha256.Sum256([]byte(token))
	if len(expectedBytes) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// HashValidator accepts the single token whose hash it holds. The host
// identity it reports is the token's key ID (the part before the first dot)
// or "host" when the token has none.
type HashValidator struct {
	hash string
}

// NewHashValidator returns a validator for hash.
func NewHashValidator(hash string) *HashValidator {
	return &HashValidator{hash: strings.TrimSpace(hash)}
}

// ValidateToken implements [TokenValidator].
func (v *HashValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if v.hash == "" || !TokenMatchesHash(v.hash, token) {
		return "", errTokenMismatch
	}
	if keyID, _, ok := strings.Cut(token, "."); ok && keyID != "" {
		return keyID, nil
	}
	return "host", nil
}
