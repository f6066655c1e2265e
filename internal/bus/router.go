package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Handler processes one inbound envelope. Returning an error asks the
// transport to redeliver.
type Handler func(ctx context.Context, env Envelope) error

// Router dispatches envelopes to handlers by message type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRouter constructs an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Handle registers h for messageType, replacing any previous handler.
func (r *Router) Handle(messageType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = h
}

// Register installs a typed handler for T's message type. Bodies that do not
// decode are logged and dropped, since redelivering them cannot succeed.
func Register[T Message](r *Router, fn func(ctx context.Context, msg T) error) {
	var zero T
	messageType := zero.MessageType()
	r.Handle(messageType, func(ctx context.Context, env Envelope) error {
		msg, err := Decode[T](env)
		if err != nil {
			r.logger.Error("dropping undecodable message",
				zap.String("message_type", messageType),
				zap.String("message_id", env.ID),
				zap.Error(err),
			)
			return nil
		}
		return fn(ctx, msg)
	})
}

// Dispatch routes env to its handler. Envelopes with no handler are
// acknowledged so unrelated traffic on a shared topic does not pile up.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	messageType := env.Type
	if messageType == "" {
		messageType = env.Attributes[AttrMessageType]
		env.Type = messageType
	}
	r.mu.RLock()
	h, ok := r.handlers[messageType]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no handler for message", zap.String("message_type", messageType))
		return nil
	}
	if err := h(ctx, env); err != nil {
		return fmt.Errorf("handle %s: %w", messageType, err)
	}
	return nil
}

// Types lists the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
