// Package auth is the credential layer: PBKDF2 password hashing,
// HMAC-signed session tokens, and the token verifier that turns a
// bearer token into a sanitised identity.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters are part of the storage contract; changing any of
// them invalidates every stored credential.
const (
	pbkdf2Iterations = 300000
	pbkdf2KeyLen     = 64
	saltBytes        = 64
)

// NewSalt returns a fresh base64-encoded salt.
func NewSalt() (string, error) {
	raw := make([]byte, saltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// HashPassword derives the hex-encoded PBKDF2-HMAC-SHA512 hash of a
// password under a base64-encoded salt.
func HashPassword(password, salt string) (string, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), rawSalt, pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
	return hex.EncodeToString(key), nil
}

// VerifyPassword reports whether password matches the stored hash.
// Comparison is constant-time.
func VerifyPassword(password, salt, storedHash string) bool {
	computed, err := HashPassword(password, salt)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(computed), []byte(storedHash))
}
