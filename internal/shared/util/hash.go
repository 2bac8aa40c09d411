package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAccountKey returns a storage-safe identifier for an account ID.
func HashAccountKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
