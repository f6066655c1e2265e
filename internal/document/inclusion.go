// Package document inspects fetched provider payloads: whether they fit
// inline on an event, and what structural shape they have.
package document

import (
	"html"

	"go.uber.org/zap"
)

// MaxInlineBytes is the largest decoded payload carried inline on an event.
const MaxInlineBytes = 204800

// InclusionPolicy decides whether a payload is embedded in an event or
// referenced by hash.
type InclusionPolicy struct {
	maxBytes int
	logger   *zap.Logger
}

// NewInclusionPolicy builds a policy; maxBytes <= 0 selects MaxInlineBytes.
func NewInclusionPolicy(maxBytes int, logger *zap.Logger) *InclusionPolicy {
	if maxBytes <= 0 {
		maxBytes = MaxInlineBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InclusionPolicy{maxBytes: maxBytes, logger: logger}
}

// MaxBytes returns the inline threshold.
func (p *InclusionPolicy) MaxBytes() int {
	return p.maxBytes
}

// IncludableJSON HTML-decodes raw and returns it when its UTF-8 length is
// within the threshold. ok is false when the consumer must load the payload
// by reference instead.
func (p *InclusionPolicy) IncludableJSON(raw string) (string, bool) {
	decoded := html.UnescapeString(raw)
	if len(decoded) > p.maxBytes {
		p.logger.Debug("document too large to inline",
			zap.Int("bytes", len(decoded)),
			zap.Int("max_bytes", p.maxBytes),
		)
		return "", false
	}
	return decoded, true
}

// IncludableJSON applies the default threshold.
func IncludableJSON(raw string) (string, bool) {
	decoded := html.UnescapeString(raw)
	if len(decoded) > MaxInlineBytes {
		return "", false
	}
	return decoded, true
}
