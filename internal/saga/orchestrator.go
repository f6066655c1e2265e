package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/identity"
	"github.com/JakeFAU/sports-provider-crawler/internal/metrics"
)

// Publisher is the subset of the bus the orchestrator publishes through.
type Publisher interface {
	PublishBatch(ctx context.Context, msgs []bus.Message, opts ...bus.PublishOption) error
}

// TierSpec is one tier of a run: the document type to source and the
// frontier URI that seeds it.
type TierSpec struct {
	Name         string
	DocumentType crawler.DocumentType
	URI          string
	Shape        crawler.ResourceShape
}

// StartRun describes a historical sourcing run.
type StartRun struct {
	CorrelationID string
	Sport         crawler.Sport
	Provider      crawler.SourceDataProvider
	SeasonYear    int
	Tiers         []TierSpec
}

// Orchestrator persists saga state and advances it as tiers complete.
type Orchestrator struct {
	uow       crawler.UnitOfWork
	publisher Publisher
	ids       crawler.IDGenerator
	logger    *zap.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(uow crawler.UnitOfWork, publisher Publisher, ids crawler.IDGenerator, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		uow:       uow,
		publisher: publisher,
		ids:       ids,
		logger:    logger,
	}
}

// Register installs the completion handler on r.
func (o *Orchestrator) Register(r *bus.Router) {
	bus.Register(r, o.HandleDocumentProcessingCompleted)
}

// Start registers one frontier row per tier, stores the saga and emits the
// first TriggerTierSourcing, all in one transaction.
func (o *Orchestrator) Start(ctx context.Context, run StartRun) (crawler.SagaState, error) {
	if err := validateRun(run); err != nil {
		return crawler.SagaState{}, err
	}
	if run.CorrelationID == "" {
		id, err := o.ids.NewID()
		if err != nil {
			return crawler.SagaState{}, fmt.Errorf("generate correlation id: %w", err)
		}
		run.CorrelationID = id
	}

	rows := make([]crawler.ResourceIndex, 0, len(run.Tiers))
	initial := crawler.SagaState{
		CorrelationID: run.CorrelationID,
		Sport:         run.Sport,
		Provider:      run.Provider,
		SeasonYear:    run.SeasonYear,
		Status:        crawler.SagaNotStarted,
	}
	for _, tier := range run.Tiers {
		row, err := o.tierRow(run, tier)
		if err != nil {
			return crawler.SagaState{}, err
		}
		rows = append(rows, row)
		initial.Tiers = append(initial.Tiers, crawler.Tier{
			DocumentType: tier.DocumentType,
			Name:         tier.Name,
			URLHash:      row.SourceURLHash,
		})
	}
	state, triggers, err := Transition(initial, Event{Kind: EventStarted})
	if err != nil {
		return crawler.SagaState{}, err
	}

	err = o.uow.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		for i, row := range rows {
			if _, err := tx.CreateResourceIndex(ctx, row); err != nil {
				return fmt.Errorf("register tier %s: %w", run.Tiers[i].Name, err)
			}
		}
		if err := tx.InsertSaga(ctx, state); err != nil {
			return err
		}
		return o.publishTriggers(ctx, tx, triggers)
	})
	if err != nil {
		return crawler.SagaState{}, fmt.Errorf("start run %s: %w", run.CorrelationID, err)
	}

	metrics.ObserveTierTransition(string(state.Status))
	o.logger.Info("historical run started",
		zap.String("correlation_id", state.CorrelationID),
		zap.String("sport", string(state.Sport)),
		zap.Int("season_year", state.SeasonYear),
		zap.Int("tiers", len(state.Tiers)),
	)
	return state, nil
}

// HandleDocumentProcessingCompleted records a finished document of the tier
// being sourced and advances the run once that tier is drained. Completions
// for other tiers, other runs or no run at all are acknowledged without
// effect, as are repeats of a document already recorded.
func (o *Orchestrator) HandleDocumentProcessingCompleted(ctx context.Context, evt crawler.DocumentProcessingCompleted) error {
	if evt.CorrelationID == "" {
		return nil
	}
	logger := o.logger.With(
		zap.String("correlation_id", evt.CorrelationID),
		zap.String("document_type", string(evt.DocumentType)),
		zap.String("url_hash", evt.URLHash),
		zap.Int("tier", evt.Tier),
	)

	var prev, next crawler.SagaState
	err := o.uow.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		var err error
		prev, err = tx.GetSagaForUpdate(ctx, evt.CorrelationID)
		if err != nil {
			return err
		}
		var triggers []crawler.TriggerTierSourcing
		next, triggers, err = Transition(prev, CompletionEvent(evt))
		if err != nil {
			return err
		}
		if err := tx.UpdateSaga(ctx, next); err != nil {
			return err
		}
		return o.publishTriggers(ctx, tx, triggers)
	})
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		logger.Debug("completion for unknown run ignored")
		return nil
	case errors.Is(err, ErrNoTransition):
		logger.Debug("completion does not apply to run", zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("advance run %s: %w", evt.CorrelationID, err)
	}

	if next.Status == prev.Status && next.TierIndex == prev.TierIndex {
		logger.Debug("tier still draining",
			zap.Int("pending", len(next.Progress.Pending)),
			zap.Int("finished", len(next.Progress.Finished)),
			zap.Bool("dead_lettered", evt.DeadLettered),
		)
		return nil
	}
	metrics.ObserveTierTransition(string(next.Status))
	logger.Info("historical run advanced",
		zap.String("status", string(next.Status)),
		zap.Int("next_tier", next.TierIndex),
	)
	return nil
}

func (o *Orchestrator) publishTriggers(ctx context.Context, tx crawler.Tx, triggers []crawler.TriggerTierSourcing) error {
	if len(triggers) == 0 {
		return nil
	}
	return o.publisher.PublishBatch(ctx, bus.Messages(triggers), bus.WithOutbox(tx))
}

func (o *Orchestrator) tierRow(run StartRun, tier TierSpec) (crawler.ResourceIndex, error) {
	ref, err := identity.Generate(tier.URI)
	if err != nil {
		return crawler.ResourceIndex{}, fmt.Errorf("tier %s: %w", tier.Name, err)
	}
	id, err := o.ids.NewID()
	if err != nil {
		return crawler.ResourceIndex{}, fmt.Errorf("generate resource index id: %w", err)
	}
	season := run.SeasonYear
	shape := tier.Shape
	if shape == "" {
		shape = crawler.ShapeAuto
	}
	return crawler.ResourceIndex{
		ID:            id,
		URI:           ref.CleanURL,
		EndpointMask:  crawler.EndpointMask(ref.CleanURL),
		Sport:         run.Sport,
		DocumentType:  tier.DocumentType,
		Provider:      run.Provider,
		SeasonYear:    &season,
		Shape:         shape,
		IsEnabled:     true,
		SourceURLHash: ref.URLHash,
		CreatedBy:     run.CorrelationID,
	}, nil
}

func validateRun(run StartRun) error {
	if run.Sport == "" || run.Provider == "" {
		return fmt.Errorf("%w: sport and provider are required", crawler.ErrInvalidValue)
	}
	if run.SeasonYear <= 0 {
		return fmt.Errorf("%w: season year is required", crawler.ErrInvalidValue)
	}
	if len(run.Tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", crawler.ErrInvalidValue)
	}
	seen := make(map[crawler.DocumentType]struct{}, len(run.Tiers))
	for i, tier := range run.Tiers {
		if tier.DocumentType == "" {
			return fmt.Errorf("%w: tier %d has no document type", crawler.ErrInvalidValue, i)
		}
		if _, dup := seen[tier.DocumentType]; dup {
			return fmt.Errorf("%w: document type %s appears in more than one tier", crawler.ErrInvalidValue, tier.DocumentType)
		}
		seen[tier.DocumentType] = struct{}{}
		if _, err := crawler.NormalizeURL(tier.URI); err != nil {
			return fmt.Errorf("%w: tier %s: %v", crawler.ErrInvalidValue, tier.Name, err)
		}
	}
	return nil
}
