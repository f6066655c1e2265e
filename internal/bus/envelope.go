package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attribute keys carried alongside every envelope.
const (
	AttrMessageType     = "message_type"
	AttrMessageID       = "message_id"
	AttrDeliveryAttempt = "delivery_attempt"
	AttrNotBefore       = "not_before"
)

// Message is anything that can be published on the bus.
type Message interface {
	MessageType() string
}

// Envelope is the wire form of a message.
type Envelope struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Body       []byte            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// OutboxRecord is an envelope persisted in the outbox table.
type OutboxRecord struct {
	Sequence int64
	Envelope Envelope
	SentAt   *time.Time
}

// Encode marshals msg into a new envelope with a time-ordered ID.
func Encode(msg Message, now time.Time) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("encode message: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("generate message id: %w", err)
	}
	return Envelope{
		ID:   id.String(),
		Type: msg.MessageType(),
		Body: body,
		Attributes: map[string]string{
			AttrMessageType: msg.MessageType(),
			AttrMessageID:   id.String(),
		},
		EnqueuedAt: now,
	}, nil
}

// NotBefore reports the earliest time env may be handled. Consumers hold
// back an envelope whose not-before time is still in the future.
func NotBefore(env Envelope) (time.Time, bool) {
	raw, ok := env.Attributes[AttrNotBefore]
	if !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Decode unmarshals an envelope body into T. Unknown fields are ignored so
// newer producers can add fields without breaking older consumers.
func Decode[T Message](env Envelope) (T, error) {
	var msg T
	if env.Type != "" && env.Type != msg.MessageType() {
		return msg, fmt.Errorf("decode %s: envelope carries %s", msg.MessageType(), env.Type)
	}
	if err := json.Unmarshal(env.Body, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal %s: %w", msg.MessageType(), err)
	}
	return msg, nil
}

// Messages widens a typed slice for PublishBatch.
func Messages[T Message](items []T) []Message {
	out := make([]Message, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
