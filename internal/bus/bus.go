package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sports-provider-crawler/internal/metrics"
)

// DefaultChunkSize bounds how many messages a batch publish has in flight.
const DefaultChunkSize = 256

// Transport sends an envelope to the message broker.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// OutboxWriter appends envelopes to a durable outbox inside the caller's
// open transaction.
type OutboxWriter interface {
	AppendOutbox(ctx context.Context, envelopes []Envelope) error
}

// DeliveryMode selects how a publish reaches the broker.
type DeliveryMode int

// Delivery modes.
const (
	ModeOutbox DeliveryMode = iota + 1
	ModeDirect
)

func (m DeliveryMode) String() string {
	switch m {
	case ModeOutbox:
		return "outbox"
	case ModeDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// PublishOption adjusts a single publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	forceDirect bool
	outbox      OutboxWriter
	delay       time.Duration
}

// WithOutbox routes the publish through w, usually an open transaction.
func WithOutbox(w OutboxWriter) PublishOption {
	return func(o *publishOptions) {
		o.outbox = w
	}
}

// Direct bypasses any outbox and sends straight to the transport.
func Direct() PublishOption {
	return func(o *publishOptions) {
		o.forceDirect = true
	}
}

// Delay stamps every envelope with a not-before time d after publish.
// Consumers leave the envelope queued until then instead of handling it.
func Delay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.delay = d
	}
}

func resolveOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o publishOptions) mode() (DeliveryMode, OutboxWriter) {
	if o.forceDirect || o.outbox == nil {
		return ModeDirect, nil
	}
	return ModeOutbox, o.outbox
}

// Config controls Bus behavior.
type Config struct {
	ChunkSize int
}

// Bus encodes messages and delivers them via outbox or transport.
type Bus struct {
	transport Transport
	chunkSize int
	now       func() time.Time
	logger    *zap.Logger
}

// New constructs a Bus. transport may be nil when only outbox mode is used.
func New(transport Transport, cfg Config, logger *zap.Logger) *Bus {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		transport: transport,
		chunkSize: cfg.ChunkSize,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Publish delivers a single message.
func (b *Bus) Publish(ctx context.Context, msg Message, opts ...PublishOption) error {
	return b.PublishBatch(ctx, []Message{msg}, opts...)
}

// PublishBatch delivers msgs in chunks, waiting for each chunk to finish
// before starting the next.
func (b *Bus) PublishBatch(ctx context.Context, msgs []Message, opts ...PublishOption) error {
	if len(msgs) == 0 {
		return nil
	}
	o := resolveOptions(opts)
	mode, outbox := o.mode()
	if mode == ModeDirect && b.transport == nil {
		return errors.New("direct publish requested but no transport is configured")
	}

	now := b.now()
	envelopes := make([]Envelope, 0, len(msgs))
	for _, msg := range msgs {
		env, err := Encode(msg, now)
		if err != nil {
			return err
		}
		if o.delay > 0 {
			env.Attributes[AttrNotBefore] = now.Add(o.delay).Format(time.RFC3339Nano)
		}
		envelopes = append(envelopes, env)
	}

	for start := 0; start < len(envelopes); start += b.chunkSize {
		end := min(start+b.chunkSize, len(envelopes))
		chunk := envelopes[start:end]
		var err error
		if mode == ModeOutbox {
			err = outbox.AppendOutbox(ctx, chunk)
		} else {
			err = b.sendChunk(ctx, chunk)
		}
		if err != nil {
			return fmt.Errorf("publish %s batch [%d:%d]: %w", mode, start, end, err)
		}
	}
	metrics.ObservePublished(mode.String(), envelopes[0].Type, len(envelopes))
	b.logger.Debug("messages published",
		zap.Stringer("mode", mode),
		zap.Int("count", len(envelopes)),
		zap.String("first_type", envelopes[0].Type),
	)
	return nil
}

func (b *Bus) sendChunk(ctx context.Context, chunk []Envelope) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, env := range chunk {
		g.Go(func() error {
			if err := b.transport.Send(gctx, env); err != nil {
				return fmt.Errorf("send %s %s: %w", env.Type, env.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("send chunk: %w", err)
	}
	return nil
}
