package bus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/publisher/memory"
)

type ping struct {
	N int `json:"n"`
}

func (ping) MessageType() string { return "Ping" }

type recordingOutbox struct {
	mu     sync.Mutex
	chunks [][]bus.Envelope
	err    error
}

func (o *recordingOutbox) AppendOutbox(_ context.Context, envs []bus.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	cp := make([]bus.Envelope, len(envs))
	copy(cp, envs)
	o.chunks = append(o.chunks, cp)
	return nil
}

func pings(n int) []bus.Message {
	out := make([]ping, n)
	for i := range out {
		out[i] = ping{N: i}
	}
	return bus.Messages(out)
}

func TestPublishWithoutOutboxGoesDirect(t *testing.T) {
	t.Parallel()

	transport := memory.New()
	b := bus.New(transport, bus.Config{}, nil)

	require.NoError(t, b.Publish(context.Background(), ping{N: 7}))

	envs := transport.Envelopes()
	require.Len(t, envs, 1)
	require.Equal(t, "Ping", envs[0].Type)
	require.Equal(t, "Ping", envs[0].Attributes[bus.AttrMessageType])
	require.Equal(t, envs[0].ID, envs[0].Attributes[bus.AttrMessageID])
	require.JSONEq(t, `{"n":7}`, string(envs[0].Body))
	require.False(t, envs[0].EnqueuedAt.IsZero())
}

func TestPublishWithOutboxSkipsTransport(t *testing.T) {
	t.Parallel()

	transport := memory.New()
	outbox := &recordingOutbox{}
	b := bus.New(transport, bus.Config{}, nil)

	require.NoError(t, b.Publish(context.Background(), ping{N: 1}, bus.WithOutbox(outbox)))

	require.Empty(t, transport.Envelopes())
	require.Len(t, outbox.chunks, 1)
	require.Len(t, outbox.chunks[0], 1)
}

func TestDirectOverridesOutbox(t *testing.T) {
	t.Parallel()

	transport := memory.New()
	outbox := &recordingOutbox{}
	b := bus.New(transport, bus.Config{}, nil)

	require.NoError(t, b.Publish(context.Background(), ping{}, bus.WithOutbox(outbox), bus.Direct()))

	require.Len(t, transport.Envelopes(), 1)
	require.Empty(t, outbox.chunks)
}

func TestPublishBatchChunksOutboxAppends(t *testing.T) {
	t.Parallel()

	outbox := &recordingOutbox{}
	b := bus.New(nil, bus.Config{}, nil)

	require.NoError(t, b.PublishBatch(context.Background(), pings(600), bus.WithOutbox(outbox)))

	require.Len(t, outbox.chunks, 3)
	require.Len(t, outbox.chunks[0], 256)
	require.Len(t, outbox.chunks[1], 256)
	require.Len(t, outbox.chunks[2], 88)
}

func TestPublishBatchBoundsInFlightSends(t *testing.T) {
	t.Parallel()

	transport := memory.New()
	b := bus.New(transport, bus.Config{ChunkSize: 4}, nil)

	require.NoError(t, b.PublishBatch(context.Background(), pings(10)))

	require.Len(t, transport.Envelopes(), 10)
	require.LessOrEqual(t, transport.PeakInFlight(), 4)
}

func TestPublishBatchStopsOnChunkFailure(t *testing.T) {
	t.Parallel()

	outbox := &recordingOutbox{err: errors.New("tx aborted")}
	b := bus.New(nil, bus.Config{ChunkSize: 2}, nil)

	err := b.PublishBatch(context.Background(), pings(5), bus.WithOutbox(outbox))
	require.ErrorContains(t, err, "tx aborted")
	require.Empty(t, outbox.chunks)
}

func TestDirectPublishWithoutTransportFails(t *testing.T) {
	t.Parallel()

	b := bus.New(nil, bus.Config{}, nil)
	require.Error(t, b.Publish(context.Background(), ping{}))
}

func TestPublishBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()

	b := bus.New(nil, bus.Config{}, nil)
	require.NoError(t, b.PublishBatch(context.Background(), nil))
}

func TestTransportErrorSurfaces(t *testing.T) {
	t.Parallel()

	transport := memory.New()
	transport.FailWith(fmt.Errorf("quota exceeded"))
	b := bus.New(transport, bus.Config{}, nil)

	require.ErrorContains(t, b.Publish(context.Background(), ping{}), "quota exceeded")
}

func TestDelayStampsNotBefore(t *testing.T) {
	t.Parallel()

	outbox := &recordingOutbox{}
	b := bus.New(nil, bus.Config{}, nil)
	before := time.Now().UTC()

	require.NoError(t, b.PublishBatch(context.Background(), pings(2), bus.WithOutbox(outbox), bus.Delay(time.Hour)))

	require.Len(t, outbox.chunks, 1)
	for _, env := range outbox.chunks[0] {
		at, ok := bus.NotBefore(env)
		require.True(t, ok)
		require.WithinDuration(t, before.Add(time.Hour), at, time.Minute)
	}

	_, ok := bus.NotBefore(bus.Envelope{Attributes: map[string]string{bus.AttrNotBefore: "soon"}})
	require.False(t, ok)
}
