// Package sha256 provides the SHA-256 digests behind document identities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hex returns the lower-case hex SHA-256 of the UTF-8 bytes of s.
func Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Prefix16 returns the first 16 bytes of the SHA-256 of s.
func Prefix16(s string) [16]byte {
	sum := sha256.Sum256([]byte(s))
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}
