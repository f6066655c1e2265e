// Package identity derives content-addressed identities for provider URLs.
//
// The identity is the only deduplication key in the pipeline, so the
// algorithm is fixed: SHA-256 over the UTF-8 bytes of the clean URL,
// lower-case hex, then a UUID folded from a second SHA-256 over that hex.
package identity

import (
	"fmt"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/hash/sha256"
	"github.com/JakeFAU/sports-provider-crawler/internal/id/uuid"
)

// Generate returns the identity of uri. It fails only for empty, relative
// or unparsable URIs.
func Generate(uri string) (crawler.ExternalRefIdentity, error) {
	clean, err := crawler.NormalizeURL(uri)
	if err != nil {
		return crawler.ExternalRefIdentity{}, fmt.Errorf("generate identity: %w", err)
	}
	hash := Hash(clean)
	return crawler.ExternalRefIdentity{
		CanonicalID: uuid.FromHash(hash),
		URLHash:     hash,
		CleanURL:    clean,
	}, nil
}

// Hash returns the lower-case hex SHA-256 of s.
func Hash(s string) string {
	return sha256.Hex(s)
}
