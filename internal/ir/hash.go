package ir

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// HashLen is the length of a hex-encoded SHA-256 digest.
const HashLen = 64

// ContentHash returns the lowercase hex SHA-256 digest of data.
// Blob identity is exactly this value, so identical bytes always map to the
// same blob.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether s looks like a hex SHA-256 digest.
func ValidHash(s string) bool {
	if len(s) != HashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// NewID returns a fresh time-ordered identifier (UUIDv7).
// Ids are never reused: each call yields a value distinct from every prior one.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
