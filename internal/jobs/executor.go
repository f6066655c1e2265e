// Package jobs runs frontier rows through the pipeline: on demand, on a
// schedule, or as one tier of a historical sourcing run.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/identity"
)

// DefaultJobTimeout bounds a single inline execution.
const DefaultJobTimeout = 300 * time.Second

// ErrDisabled is returned when a disabled frontier row is executed.
var ErrDisabled = errors.New("resource index is disabled")

// Processor handles one document request inline.
type Processor interface {
	HandleDocumentRequested(ctx context.Context, req crawler.DocumentRequested) error
}

// ExecuteOptions tailors the request built from a frontier row. Tier is the
// index of the historical run tier the row seeds, if any.
type ExecuteOptions struct {
	CorrelationID              string
	NotifyOnCompletion         bool
	Tier                       int
	IncludeLinkedDocumentTypes []crawler.DocumentType
}

// Executor turns frontier rows into DocumentRequested events and runs them
// through the processor synchronously.
type Executor struct {
	processor Processor
	frontier  crawler.ResourceIndexStore
	ids       crawler.IDGenerator
	clock     crawler.Clock
	timeout   time.Duration
	logger    *zap.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(
	processor Processor,
	frontier crawler.ResourceIndexStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	timeout time.Duration,
	logger *zap.Logger,
) *Executor {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		processor: processor,
		frontier:  frontier,
		ids:       ids,
		clock:     clock,
		timeout:   timeout,
		logger:    logger,
	}
}

// Execute runs row once. A missing correlation ID gets a fresh one, so each
// scheduled run is traceable on its own.
func (e *Executor) Execute(ctx context.Context, row crawler.ResourceIndex, opts ExecuteOptions) error {
	if !row.IsEnabled {
		return fmt.Errorf("execute %s: %w", row.ID, ErrDisabled)
	}
	id, err := identity.Generate(row.URI)
	if err != nil {
		return fmt.Errorf("execute %s: %w", row.ID, err)
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		if e.ids == nil {
			return errors.New("no correlation id and no id generator configured")
		}
		if correlationID, err = e.ids.NewID(); err != nil {
			return fmt.Errorf("generate correlation id: %w", err)
		}
	}

	req := crawler.DocumentRequested{
		ID:                         id.URLHash,
		URI:                        row.URI,
		Sport:                      row.Sport,
		SeasonYear:                 row.SeasonYear,
		DocumentType:               row.DocumentType,
		SourceDataProvider:         row.Provider,
		CorrelationID:              correlationID,
		CausationID:                row.ID,
		IncludeLinkedDocumentTypes: opts.IncludeLinkedDocumentTypes,
		Shape:                      row.Shape,
		NotifyOnCompletion:         opts.NotifyOnCompletion,
		ResourceIndexID:            row.ID,
		Tier:                       opts.Tier,
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := e.clock.Now()
	err = e.processor.HandleDocumentRequested(runCtx, req)
	logger := e.logger.With(
		zap.String("resource_index_id", row.ID),
		zap.String("url", row.URI),
		zap.String("document_type", string(row.DocumentType)),
		zap.String("correlation_id", correlationID),
	)
	if err != nil {
		logger.Warn("job execution failed", zap.Error(err))
		return fmt.Errorf("execute %s: %w", row.ID, err)
	}

	if e.frontier != nil {
		if err := e.frontier.TouchResourceIndex(ctx, row.ID, started); err != nil {
			logger.Warn("failed to record last access", zap.Error(err))
		}
	}
	logger.Info("job executed", zap.Duration("duration", e.clock.Now().Sub(started)))
	return nil
}
