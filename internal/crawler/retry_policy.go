package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// AttemptPolicy bounds how often a document request is re-published before
// it is dead-lettered, and how long to wait between attempts.
type AttemptPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// DefaultMaxAttempts is the retry ceiling used when none is configured.
const DefaultMaxAttempts = 10

// NewAttemptPolicy builds a policy. Non-positive values fall back to defaults.
func NewAttemptPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *AttemptPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &AttemptPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts returns the configured ceiling.
func (p *AttemptPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Exhausted reports whether a request carrying attemptCount must be
// dead-lettered instead of retried.
func (p *AttemptPolicy) Exhausted(attemptCount int) bool {
	return attemptCount > p.maxAttempts
}

// Backoff returns the wait duration before re-publishing the given attempt.
func (p *AttemptPolicy) Backoff(attempt int) time.Duration {
	if p.baseDelay <= 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *AttemptPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
