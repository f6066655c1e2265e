// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/sports-provider-crawler/internal/hash/sha256"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// FromHash folds a URL hash into a deterministic UUID: the first 16 bytes of
// SHA-256 over the hash's UTF-8 bytes, in RFC 4122 byte order. No version
// bits are set, so the result round-trips byte for byte.
func FromHash(urlHash string) uuid.UUID {
	return uuid.UUID(sha256.Prefix16(urlHash))
}

// Static returns a fixed ID, handy in tests that assert on generated rows.
type Static string

// NewID returns the fixed ID.
func (s Static) NewID() (string, error) {
	return string(s), nil
}
