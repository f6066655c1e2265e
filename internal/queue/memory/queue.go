// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
)

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Config tunes a Queue.
type Config struct {
	Capacity        int
	Workers         int
	MaxDeliveries   int
	RedeliveryDelay time.Duration
}

// Queue is a bounded in-memory queue with context-aware operations. It is
// both the bus transport and the consumer in single-process mode.
type Queue struct {
	ch        chan bus.Envelope
	done      chan struct{}
	closeOnce sync.Once
	cfg       Config
	pending   sync.WaitGroup
	logger    *zap.Logger
}

// NewQueue constructs a new queue. Zero config values fall back to one
// worker, a capacity of 1024 and five deliveries per envelope.
func NewQueue(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		ch:     make(chan bus.Envelope, cfg.Capacity),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

// Send implements bus.Transport. The envelope starts at delivery attempt 1.
func (q *Queue) Send(ctx context.Context, env bus.Envelope) error {
	env.Attributes = copyAttributes(env.Attributes)
	if _, ok := env.Attributes[bus.AttrDeliveryAttempt]; !ok {
		env.Attributes[bus.AttrDeliveryAttempt] = "1"
	}
	return q.Enqueue(ctx, env)
}

// Enqueue pushes an envelope into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, env bus.Envelope) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- env:
		return nil
	}
}

// Dequeue pops the next envelope, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (bus.Envelope, error) {
	select {
	case <-ctx.Done():
		return bus.Envelope{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return bus.Envelope{}, ErrClosed
	case env := <-q.ch:
		return env, nil
	}
}

// Len reports how many envelopes are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Run starts the configured number of workers and blocks until ctx ends or
// the queue is closed. A handler error schedules a redelivery until the
// envelope reaches MaxDeliveries, after which it is dropped with an error log.
func (q *Queue) Run(ctx context.Context, handler bus.Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				q.deliver(ctx, handler, env)
			}
		}()
	}
	wg.Wait()
	q.pending.Wait()
	return nil
}

func (q *Queue) deliver(ctx context.Context, handler bus.Handler, env bus.Envelope) {
	if at, ok := bus.NotBefore(env); ok {
		if wait := time.Until(at); wait > 0 {
			q.requeueAfter(ctx, env, wait)
			return
		}
	}
	err := handler(ctx, env)
	if err == nil {
		return
	}
	attempt := deliveryAttempt(env)
	logger := q.logger.With(
		zap.String("message_type", env.Type),
		zap.String("message_id", env.ID),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	if attempt >= q.cfg.MaxDeliveries {
		logger.Error("dropping message after max deliveries")
		return
	}
	logger.Warn("message handling failed; redelivering")

	env.Attributes = copyAttributes(env.Attributes)
	env.Attributes[bus.AttrDeliveryAttempt] = strconv.Itoa(attempt + 1)
	q.requeueAfter(ctx, env, q.cfg.RedeliveryDelay)
}

// requeueAfter puts env back on the queue once delay has passed. The wait
// happens off the worker goroutines, so a delayed envelope never holds a
// consumer slot.
func (q *Queue) requeueAfter(ctx context.Context, env bus.Envelope, delay time.Duration) {
	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-timer.C:
			}
		}
		if err := q.Enqueue(ctx, env); err != nil {
			q.logger.Warn("redelivery abandoned", zap.String("message_id", env.ID), zap.Error(err))
		}
	}()
}

// Close stops the queue. Closing twice is safe.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func deliveryAttempt(env bus.Envelope) int {
	n, err := strconv.Atoi(env.Attributes[bus.AttrDeliveryAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
