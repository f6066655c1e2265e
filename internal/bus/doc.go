// Package bus publishes domain messages either straight to a transport or
// into a transactional outbox, and routes inbound envelopes to typed handlers.
//
// The delivery mode is chosen per call. Passing WithOutbox appends the
// encoded messages through the caller's transaction so they become visible
// only if that transaction commits; a separate relay later sends them.
// Without an outbox writer, or with Direct, messages go to the transport
// immediately.
package bus
