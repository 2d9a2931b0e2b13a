// Package sha256 produces hex SHA-256 digests of persisted payloads.
package sha256

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sum returns the hex digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether data hashes to digest.
func Verify(data []byte, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(Sum(data)), []byte(digest)) == 1
}
