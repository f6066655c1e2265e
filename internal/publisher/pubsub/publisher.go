// Package pubsub implements a Google Cloud Pub/Sub bus transport.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
)

// Publisher sends bus envelopes to a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// Open connects to projectID and verifies that topicID exists. The returned
// Publisher owns the client and closes it on Close.
func Open(ctx context.Context, projectID, topicID string, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err == nil && !exists {
		err = fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close pubsub client after topic check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic: %w", err)
	}
	p := New(topic, logger)
	p.client = client
	return p, nil
}

// New wraps an existing topic handle. The caller keeps ownership of the client.
func New(topic *pubsub.Topic, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{topic: topic, logger: logger}
}

// Send publishes env and waits for the server to acknowledge it.
func (p *Publisher) Send(ctx context.Context, env bus.Envelope) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	msg := &pubsub.Message{
		Data:       env.Body,
		Attributes: make(map[string]string, len(env.Attributes)+2),
	}
	for k, v := range env.Attributes {
		msg.Attributes[k] = v
	}
	msg.Attributes[bus.AttrMessageType] = env.Type
	msg.Attributes[bus.AttrMessageID] = env.ID
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.topic.Publish(ctx, msg)
	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	p.logger.Debug("message published",
		zap.String("message_type", env.Type),
		zap.String("message_id", env.ID),
		zap.String("server_id", serverID),
	)
	return nil
}

// Close flushes pending publishes and releases the client if Open created it.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
