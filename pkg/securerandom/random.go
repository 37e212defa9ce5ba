// Package securerandom provides cryptographically secure random generation
package securerandom

import (
	crand "crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Bytes generates cryptographically secure random bytes
func Bytes(byteLen int) ([]byte, error) {
	b := make([]byte, byteLen)
	if _, err := crand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// MustBytes generates random bytes or panics
func MustBytes(byteLen int) []byte {
	b, err := Bytes(byteLen)
	if err != nil {
		panic(fmt.Sprintf("securerandom.Bytes failed: %v", err))
	}
	return b
}

// ID generates a cryptographically secure random ID of the specified byte length
// Returns a hex-encoded string (2x the byte length)
func ID(byteLen int) (string, error) {
	b, err := Bytes(byteLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MustID generates a random ID or panics
// Use only in initialization or when failure is unrecoverable
func MustID(byteLen int) string {
	id, err := ID(byteLen)
	if err != nil {
		panic(fmt.Sprintf("securerandom.ID failed: %v", err))
	}
	return id
}

// Token generates a URL-safe random token (unpadded base64url).
// byteLen is the entropy in bytes, so Token(16) carries 128 bits.
func Token(byteLen int) (string, error) {
	b, err := Bytes(byteLen)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MustToken generates a token or panics
func MustToken(byteLen int) string {
	token, err := Token(byteLen)
	if err != nil {
		panic(fmt.Sprintf("securerandom.Token failed: %v", err))
	}
	return token
}

// Secret generates a URL-safe signing secret of the given byte length
func Secret(byteLen int) (string, error) {
	return Token(byteLen)
}

// MustSecret generates a signing secret or panics
func MustSecret(byteLen int) string {
	return MustToken(byteLen)
}

// Fill fills a byte slice with cryptographically secure random bytes
func Fill(b []byte) error {
	if _, err := crand.Read(b); err != nil {
		return fmt.Errorf("failed to fill random bytes: %w", err)
	}
	return nil
}
