// Package dispatcher relays committed outbox rows to the message broker.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/metrics"
)

// Outbox is the slice of the store the relay needs.
type Outbox interface {
	RelayOutbox(ctx context.Context, limit int, send func(ctx context.Context, env bus.Envelope) error) (int, error)
}

// Config controls polling.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Dispatcher polls the outbox and forwards pending rows to the transport.
type Dispatcher struct {
	outbox    Outbox
	transport bus.Transport
	cfg       Config
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(outbox Outbox, transport bus.Transport, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		outbox:    outbox,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls until the context finishes. Each tick drains full batches
// until the outbox is empty or a send fails.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := d.RelayOnce(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				d.logger.Warn("outbox relay failed", zap.Int("relayed", n), zap.Error(err))
			}
			return
		}
		if n < d.cfg.BatchSize {
			return
		}
	}
}

// RelayOnce forwards at most one batch and reports how many rows were sent.
func (d *Dispatcher) RelayOnce(ctx context.Context) (int, error) {
	n, err := d.outbox.RelayOutbox(ctx, d.cfg.BatchSize, d.transport.Send)
	if n > 0 {
		metrics.ObserveOutboxRelayed(n)
		d.logger.Debug("outbox rows relayed", zap.Int("count", n))
	}
	if err != nil {
		metrics.ObserveOutboxFailure()
		return n, err
	}
	return n, nil
}
