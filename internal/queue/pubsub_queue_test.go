// Package queue_test contains unit tests for the queue package.
package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/queue"
)

func setupPubSub(t *testing.T) (*pubsub.Topic, option.ClientOption) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	connOpt := option.WithGRPCConn(conn)

	client, err := pubsub.NewClient(ctx, "project-id", connOpt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "topic-id")
	require.NoError(t, err)
	t.Cleanup(topic.Stop)
	_, err = client.CreateSubscription(ctx, "sub-id", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return topic, connOpt
}

func TestPubSubConsumerDeliversEnvelope(t *testing.T) {
	topic, connOpt := setupPubSub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := topic.Publish(ctx, &pubsub.Message{
		Data: []byte(`{"correlation_id":"run-1"}`),
		Attributes: map[string]string{
			bus.AttrMessageType: "TriggerTierSourcing",
			bus.AttrMessageID:   "msg-1",
		},
	}).Get(ctx)
	require.NoError(t, err)

	consumer, err := queue.NewPubSubConsumer(ctx, queue.PubSubConfig{ProjectID: "project-id", SubscriptionID: "sub-id"}, nil, connOpt)
	require.NoError(t, err)

	got := make(chan bus.Envelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(_ context.Context, env bus.Envelope) error {
			select {
			case got <- env:
			default:
			}
			return nil
		})
	}()

	var env bus.Envelope
	select {
	case env = <-got:
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "msg-1", env.ID)
	assert.Equal(t, "TriggerTierSourcing", env.Type)
	assert.JSONEq(t, `{"correlation_id":"run-1"}`, string(env.Body))
	assert.False(t, env.EnqueuedAt.IsZero())
	assert.NoError(t, consumer.Close())
}

func TestPubSubConsumerNacksFailedHandler(t *testing.T) {
	topic, connOpt := setupPubSub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, err := topic.Publish(ctx, &pubsub.Message{
		Data:       []byte(`{}`),
		Attributes: map[string]string{bus.AttrMessageType: "DocumentRequested"},
	}).Get(ctx)
	require.NoError(t, err)

	consumer, err := queue.NewPubSubConsumer(ctx, queue.PubSubConfig{ProjectID: "project-id", SubscriptionID: "sub-id"}, nil, connOpt)
	require.NoError(t, err)
	defer consumer.Close()

	var calls atomic.Int32
	redelivered := make(chan struct{})
	var once sync.Once
	go func() {
		_ = consumer.Run(ctx, func(context.Context, bus.Envelope) error {
			if calls.Add(1) == 1 {
				return errors.New("provider unavailable")
			}
			once.Do(func() { close(redelivered) })
			return nil
		})
	}()

	select {
	case <-redelivered:
	case <-ctx.Done():
		t.Fatal("nacked message was not redelivered")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestNewPubSubConsumerMissingSubscription(t *testing.T) {
	_, connOpt := setupPubSub(t)
	_, err := queue.NewPubSubConsumer(context.Background(), queue.PubSubConfig{ProjectID: "project-id", SubscriptionID: "absent"}, nil, connOpt)
	require.ErrorContains(t, err, "does not exist")
}

func TestPubSubConsumerWaitsForNotBefore(t *testing.T) {
	topic, connOpt := setupPubSub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	due := time.Now().Add(time.Second)
	_, err := topic.Publish(ctx, &pubsub.Message{
		Data: []byte(`{}`),
		Attributes: map[string]string{
			bus.AttrMessageType: "DocumentRequested",
			bus.AttrNotBefore:   due.UTC().Format(time.RFC3339Nano),
		},
	}).Get(ctx)
	require.NoError(t, err)

	consumer, err := queue.NewPubSubConsumer(ctx, queue.PubSubConfig{ProjectID: "project-id", SubscriptionID: "sub-id"}, nil, connOpt)
	require.NoError(t, err)
	defer consumer.Close()

	handledAt := make(chan time.Time, 1)
	go func() {
		_ = consumer.Run(ctx, func(context.Context, bus.Envelope) error {
			select {
			case handledAt <- time.Now():
			default:
			}
			return nil
		})
	}()

	select {
	case at := <-handledAt:
		assert.False(t, at.Before(due), "handled %v before not-before %v", at, due)
	case <-ctx.Done():
		t.Fatal("delayed message was never handled")
	}
}
