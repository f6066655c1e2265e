package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
)

// PubSubConfig selects the subscription a PubSubConsumer reads.
type PubSubConfig struct {
	ProjectID      string
	SubscriptionID string
	MaxOutstanding int
	NumGoroutines  int
}

// PubSubConsumer receives envelopes from a Pub/Sub subscription.
type PubSubConsumer struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// NewPubSubConsumer connects to the configured project and verifies that
// the subscription exists. It authenticates using Application Default
// Credentials unless opts say otherwise.
func NewPubSubConsumer(ctx context.Context, cfg PubSubConfig, logger *zap.Logger, opts ...option.ClientOption) (*PubSubConsumer, error) {
	if cfg.ProjectID == "" || cfg.SubscriptionID == "" {
		return nil, errors.New("pubsub project and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	exists, err := sub.Exists(ctx)
	if err == nil && !exists {
		err = fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("Failed to close pubsub client after subscription check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to check pubsub subscription: %w", err)
	}
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}
	return &PubSubConsumer{client: client, sub: sub, logger: logger}, nil
}

// Run receives until ctx is canceled. Messages are acked when handler
// returns nil and nacked otherwise. A message whose not-before time has not
// arrived is nacked unhandled, leaving the wait to the subscription's retry
// backoff.
func (c *PubSubConsumer) Run(ctx context.Context, handler bus.Handler) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		env := envelopeFromMessage(msg)
		if at, ok := bus.NotBefore(env); ok && time.Now().Before(at) {
			c.logger.Debug("message not yet due; nacking",
				zap.String("message_id", env.ID),
				zap.Time("not_before", at),
			)
			msg.Nack()
			return
		}
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Attributes))
		if err := handler(ctx, env); err != nil {
			c.logger.Warn("message handling failed; nacking",
				zap.String("message_type", env.Type),
				zap.String("message_id", env.ID),
				zap.String("attempt", env.Attributes[bus.AttrDeliveryAttempt]),
				zap.Error(err),
			)
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close cleans up the client connection.
func (c *PubSubConsumer) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

func envelopeFromMessage(msg *pubsub.Message) bus.Envelope {
	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	if msg.DeliveryAttempt != nil {
		attrs[bus.AttrDeliveryAttempt] = strconv.Itoa(*msg.DeliveryAttempt)
	}
	id := attrs[bus.AttrMessageID]
	if id == "" {
		id = msg.ID
	}
	return bus.Envelope{
		ID:         id,
		Type:       attrs[bus.AttrMessageType],
		Body:       msg.Data,
		Attributes: attrs,
		EnqueuedAt: msg.PublishTime,
	}
}
