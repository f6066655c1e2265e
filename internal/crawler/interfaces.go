package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
)

// Fetcher fetches a provider URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// DocumentStore persists raw provider documents keyed by URL hash.
// Writes overwrite, so re-fetching a document is an idempotent upsert.
type DocumentStore interface {
	PutDocument(ctx context.Context, key string, contentType string, data []byte) (string, error)
	GetDocument(ctx context.Context, key string) ([]byte, error)
}

// ResourceIndexStore persists the crawl frontier.
type ResourceIndexStore interface {
	CreateResourceIndex(ctx context.Context, row ResourceIndex) (ResourceIndex, error)
	GetResourceIndex(ctx context.Context, id string) (ResourceIndex, error)
	FindByCorrelationAndType(
		ctx context.Context,
		correlationID string,
		documentType DocumentType,
		seasonYear *int,
	) (ResourceIndex, error)
	ListRecurring(ctx context.Context) ([]ResourceIndex, error)
	DisableResourceIndex(ctx context.Context, id string) error
	TouchResourceIndex(ctx context.Context, id string, at time.Time) error
}

// SagaReader loads persisted saga state outside a transaction.
type SagaReader interface {
	GetSaga(ctx context.Context, correlationID string) (SagaState, error)
}

// Tx is the set of writes that must commit atomically with published
// events. It doubles as the outbox writer for outbox-mode publishing.
type Tx interface {
	bus.OutboxWriter
	CreateResourceIndex(ctx context.Context, row ResourceIndex) (ResourceIndex, error)
	InsertSaga(ctx context.Context, state SagaState) error
	GetSagaForUpdate(ctx context.Context, correlationID string) (SagaState, error)
	UpdateSaga(ctx context.Context, state SagaState) error
	RecordDeadLetter(ctx context.Context, letter DocumentDeadLetter) error
}

// UnitOfWork runs fn inside a transaction, committing when fn returns nil.
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using UTC wall time.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// IDGenerator produces row and correlation IDs.
type IDGenerator interface {
	NewID() (string, error)
}
