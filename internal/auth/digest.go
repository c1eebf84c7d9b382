package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const resetTokenBytes = 32

// Digest returns the hex SHA-256 of an opaque token. Only digests of reset
// and refresh tokens are ever persisted.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewResetToken returns a random hex token suitable for a password-reset
// link.
func NewResetToken() (string, error) {
	var buf [resetTokenBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
