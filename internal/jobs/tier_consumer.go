package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

// Locker hands out named locks.
type Locker interface {
	Acquire(ctx context.Context, name string) (func(), error)
}

// TierConsumer executes the frontier row behind a TriggerTierSourcing event.
type TierConsumer struct {
	frontier crawler.ResourceIndexStore
	sagas    crawler.SagaReader
	executor *Executor
	locks    Locker
	logger   *zap.Logger
}

// NewTierConsumer constructs a TierConsumer. sagas is optional; when set,
// triggers for a tier the run has already moved past are acknowledged
// without re-executing.
func NewTierConsumer(
	frontier crawler.ResourceIndexStore,
	sagas crawler.SagaReader,
	executor *Executor,
	locks Locker,
	logger *zap.Logger,
) *TierConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierConsumer{
		frontier: frontier,
		sagas:    sagas,
		executor: executor,
		locks:    locks,
		logger:   logger,
	}
}

// Register installs the consumer's handler on r.
func (c *TierConsumer) Register(r *bus.Router) {
	bus.Register(r, c.HandleTriggerTierSourcing)
}

// TierLockName is the lock guarding one tier of one run.
func TierLockName(correlationID string, documentType crawler.DocumentType) string {
	return fmt.Sprintf("tier:%s:%s", correlationID, documentType)
}

// HandleTriggerTierSourcing resolves the tier's frontier row and runs it
// inline. A row that is not visible yet yields crawler.ErrTierNotReady so
// the bus redelivers instead of skipping the tier.
func (c *TierConsumer) HandleTriggerTierSourcing(ctx context.Context, evt crawler.TriggerTierSourcing) error {
	logger := c.logger.With(
		zap.String("correlation_id", evt.CorrelationID),
		zap.Int("tier", evt.Tier),
		zap.String("tier_name", evt.TierName),
		zap.Int("season_year", evt.SeasonYear),
	)

	documentType, err := crawler.ParseDocumentType(evt.TierName)
	if err != nil {
		if evt.DocumentType == "" {
			logger.Error("dropping trigger with unknown tier", zap.Error(err))
			return nil
		}
		documentType = evt.DocumentType
	}

	if c.sagas != nil {
		state, err := c.sagas.GetSaga(ctx, evt.CorrelationID)
		switch {
		case errors.Is(err, crawler.ErrNotFound):
			return fmt.Errorf("saga %s: %w", evt.CorrelationID, crawler.ErrTierNotReady)
		case err != nil:
			return fmt.Errorf("load saga: %w", err)
		case state.Status != crawler.SagaTierInProgress || state.TierIndex != evt.Tier:
			logger.Info("ignoring stale tier trigger",
				zap.String("status", string(state.Status)),
				zap.Int("current_tier", state.TierIndex),
			)
			return nil
		}
	}

	release, err := c.locks.Acquire(ctx, TierLockName(evt.CorrelationID, documentType))
	if err != nil {
		return fmt.Errorf("lock tier %d: %w", evt.Tier, err)
	}
	defer release()

	season := evt.SeasonYear
	row, err := c.frontier.FindByCorrelationAndType(ctx, evt.CorrelationID, documentType, &season)
	if errors.Is(err, crawler.ErrNotFound) {
		logger.Warn("tier resource index not visible yet")
		return fmt.Errorf("tier %d %s: %w", evt.Tier, documentType, crawler.ErrTierNotReady)
	}
	if err != nil {
		return fmt.Errorf("resolve tier row: %w", err)
	}
	if !row.IsEnabled {
		logger.Warn("tier resource index disabled; run abandoned", zap.String("resource_index_id", row.ID))
		return nil
	}

	logger.Info("sourcing tier", zap.String("resource_index_id", row.ID), zap.String("url", row.URI))
	return c.executor.Execute(ctx, row, ExecuteOptions{
		CorrelationID:      evt.CorrelationID,
		NotifyOnCompletion: true,
		Tier:               evt.Tier,
	})
}
