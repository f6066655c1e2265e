// Package memory contains an in-memory bus transport that records sends.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
)

// Publisher stores sent envelopes for inspection.
type Publisher struct {
	mu        sync.RWMutex
	envelopes []bus.Envelope
	failWith  error
	inFlight  int
	peak      int
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Send records the envelope, or returns the configured failure.
func (p *Publisher) Send(ctx context.Context, env bus.Envelope) error {
	p.mu.Lock()
	if p.failWith != nil {
		err := p.failWith
		p.mu.Unlock()
		return err
	}
	p.inFlight++
	p.peak = max(p.peak, p.inFlight)
	p.envelopes = append(p.envelopes, env)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()
	return ctx.Err()
}

// FailWith makes every later Send return err. A nil err clears the failure.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Envelopes returns a copy of the recorded sends.
func (p *Publisher) Envelopes() []bus.Envelope {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]bus.Envelope, len(p.envelopes))
	copy(out, p.envelopes)
	return out
}

// OfType returns the recorded sends with the given message type.
func (p *Publisher) OfType(messageType string) []bus.Envelope {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []bus.Envelope
	for _, env := range p.envelopes {
		if env.Type == messageType {
			out = append(out, env)
		}
	}
	return out
}

// PeakInFlight reports the highest number of concurrent sends observed.
func (p *Publisher) PeakInFlight() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peak
}

// Reset forgets every recorded send.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = nil
	p.peak = 0
}
