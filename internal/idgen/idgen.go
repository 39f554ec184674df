// Package idgen generates identifiers for off-chain records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string. Mirror deal ids use this form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars taken from a random UUID
// (e.g. "wh_", "disc_").
func WithPrefix(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:24]
}

// Hex generates a random hex string of the given byte length. Used for secrets.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// IsValid reports whether s parses as a UUID.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
