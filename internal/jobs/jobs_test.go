package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/id/uuid"
	"github.com/JakeFAU/sports-provider-crawler/internal/identity"
	"github.com/JakeFAU/sports-provider-crawler/internal/lock"
	"github.com/JakeFAU/sports-provider-crawler/internal/storage/memory"
)

type recordingProcessor struct {
	mu       sync.Mutex
	requests []crawler.DocumentRequested
	err      error
	block    chan struct{}
}

func (p *recordingProcessor) HandleDocumentRequested(ctx context.Context, req crawler.DocumentRequested) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.err
}

func (p *recordingProcessor) seen() []crawler.DocumentRequested {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]crawler.DocumentRequested(nil), p.requests...)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func intPtr(v int) *int { return &v }

func tierRow(id, correlationID string, dt crawler.DocumentType, uri string) crawler.ResourceIndex {
	return crawler.ResourceIndex{
		ID:           id,
		URI:          uri,
		Sport:        crawler.SportFootballNcaa,
		DocumentType: dt,
		Provider:     crawler.ProviderEspn,
		SeasonYear:   intPtr(2024),
		Shape:        crawler.ShapeAuto,
		IsEnabled:    true,
		CreatedBy:    correlationID,
	}
}

func TestExecuteBuildsRequestFromRow(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	row, err := store.CreateResourceIndex(ctx, tierRow("row-1", "", crawler.DocumentVenue, "https://api.example.com/venues?limit=999"))
	require.NoError(t, err)

	proc := &recordingProcessor{}
	at := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	exec := NewExecutor(proc, store, uuid.Static("corr-new"), fixedClock{now: at}, time.Second, nil)

	require.NoError(t, exec.Execute(ctx, row, ExecuteOptions{}))

	reqs := proc.seen()
	require.Len(t, reqs, 1)
	require.Equal(t, identity.Hash("https://api.example.com/venues?limit=999"), reqs[0].ID)
	require.Equal(t, "corr-new", reqs[0].CorrelationID)
	require.Equal(t, "row-1", reqs[0].CausationID)
	require.Equal(t, "row-1", reqs[0].ResourceIndexID)
	require.Equal(t, crawler.DocumentVenue, reqs[0].DocumentType)
	require.Equal(t, 2024, *reqs[0].SeasonYear)
	require.False(t, reqs[0].NotifyOnCompletion)

	got, err := store.GetResourceIndex(ctx, "row-1")
	require.NoError(t, err)
	require.Equal(t, at, *got.LastAccessedAt)
}

func TestExecuteRejectsDisabledRow(t *testing.T) {
	t.Parallel()

	proc := &recordingProcessor{}
	exec := NewExecutor(proc, nil, uuid.Static("c"), nil, time.Second, nil)
	row := tierRow("row-1", "", crawler.DocumentVenue, "https://api.example.com/venues")
	row.IsEnabled = false

	err := exec.Execute(context.Background(), row, ExecuteOptions{})
	require.ErrorIs(t, err, ErrDisabled)
	require.Empty(t, proc.seen())
}

func TestExecuteAppliesTimeout(t *testing.T) {
	t.Parallel()

	proc := &recordingProcessor{block: make(chan struct{})}
	exec := NewExecutor(proc, nil, uuid.Static("c"), nil, 20*time.Millisecond, nil)

	err := exec.Execute(context.Background(), tierRow("row-1", "", crawler.DocumentVenue, "https://api.example.com/venues"), ExecuteOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutePropagatesProcessorError(t *testing.T) {
	t.Parallel()

	proc := &recordingProcessor{err: errors.New("publish failed")}
	exec := NewExecutor(proc, nil, uuid.Static("c"), nil, time.Second, nil)
	err := exec.Execute(context.Background(), tierRow("row-1", "", crawler.DocumentVenue, "https://api.example.com/venues"), ExecuteOptions{})
	require.ErrorContains(t, err, "publish failed")
}

func newTierConsumer(store *memory.Store, proc Processor, locks Locker) *TierConsumer {
	exec := NewExecutor(proc, store, uuid.Static("unused"), nil, time.Second, nil)
	return NewTierConsumer(store, store, exec, locks, nil)
}

func startSaga(t *testing.T, store *memory.Store, correlationID string, rows ...crawler.ResourceIndex) {
	t.Helper()
	startSagaAt(t, store, correlationID, 0, rows...)
}

func startSagaAt(t *testing.T, store *memory.Store, correlationID string, tierIndex int, rows ...crawler.ResourceIndex) {
	t.Helper()
	require.NoError(t, store.InTx(context.Background(), func(ctx context.Context, tx crawler.Tx) error {
		tiers := make([]crawler.Tier, 0, len(rows))
		for _, row := range rows {
			if _, err := tx.CreateResourceIndex(ctx, row); err != nil {
				return err
			}
			tiers = append(tiers, crawler.Tier{DocumentType: row.DocumentType, Name: string(row.DocumentType)})
		}
		return tx.InsertSaga(ctx, crawler.SagaState{
			CorrelationID: correlationID,
			Sport:         crawler.SportFootballNcaa,
			Provider:      crawler.ProviderEspn,
			SeasonYear:    2024,
			Tiers:         tiers,
			TierIndex:     tierIndex,
			Status:        crawler.SagaTierInProgress,
		})
	}))
}

func trigger(correlationID string, tier int, dt crawler.DocumentType) crawler.TriggerTierSourcing {
	return crawler.TriggerTierSourcing{
		CorrelationID:      correlationID,
		Tier:               tier,
		TierName:           string(dt),
		DocumentType:       dt,
		Sport:              crawler.SportFootballNcaa,
		SeasonYear:         2024,
		SourceDataProvider: crawler.ProviderEspn,
	}
}

func TestTierConsumerExecutesMatchingRow(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	startSaga(t, store, "run-1",
		tierRow("r-franchise", "run-1", crawler.DocumentFranchise, "https://api.example.com/franchises"),
		tierRow("r-team", "run-1", crawler.DocumentTeamBySeason, "https://api.example.com/seasons/2024/teams"),
	)
	proc := &recordingProcessor{}
	consumer := newTierConsumer(store, proc, lock.NewKeyed(time.Second))

	require.NoError(t, consumer.HandleTriggerTierSourcing(context.Background(), trigger("run-1", 0, crawler.DocumentFranchise)))

	reqs := proc.seen()
	require.Len(t, reqs, 1)
	require.Equal(t, "r-franchise", reqs[0].ResourceIndexID)
	require.Equal(t, "run-1", reqs[0].CorrelationID)
	require.True(t, reqs[0].NotifyOnCompletion)
	require.Equal(t, 0, reqs[0].Tier)
}

func TestTierConsumerStampsTierOnRequest(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	startSagaAt(t, store, "run-1", 1,
		tierRow("r-franchise", "run-1", crawler.DocumentFranchise, "https://api.example.com/franchises"),
		tierRow("r-team", "run-1", crawler.DocumentTeamBySeason, "https://api.example.com/seasons/2024/teams"),
	)
	proc := &recordingProcessor{}
	consumer := newTierConsumer(store, proc, lock.NewKeyed(time.Second))

	require.NoError(t, consumer.HandleTriggerTierSourcing(context.Background(), trigger("run-1", 1, crawler.DocumentTeamBySeason)))

	reqs := proc.seen()
	require.Len(t, reqs, 1)
	require.Equal(t, "r-team", reqs[0].ResourceIndexID)
	require.Equal(t, 1, reqs[0].Tier)
	require.True(t, reqs[0].NotifyOnCompletion)
}

func TestTierConsumerParsesDisplayName(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	startSaga(t, store, "run-1", tierRow("r-team", "run-1", crawler.DocumentTeamBySeason, "https://api.example.com/seasons/2024/teams"))
	proc := &recordingProcessor{}
	consumer := newTierConsumer(store, proc, lock.NewKeyed(time.Second))

	evt := trigger("run-1", 0, "")
	evt.TierName = "Team By Season"
	require.NoError(t, consumer.HandleTriggerTierSourcing(context.Background(), evt))
	require.Len(t, proc.seen(), 1)
}

func TestTierConsumerMissingRowIsNotReady(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	startSaga(t, store, "run-1", tierRow("r-franchise", "run-1", crawler.DocumentFranchise, "https://api.example.com/franchises"))
	consumer := newTierConsumer(store, &recordingProcessor{}, lock.NewKeyed(time.Second))

	evt := trigger("run-1", 0, crawler.DocumentFranchise)
	evt.SeasonYear = 2023
	err := consumer.HandleTriggerTierSourcing(context.Background(), evt)
	require.ErrorIs(t, err, crawler.ErrTierNotReady)
}

func TestTierConsumerUnknownSagaIsNotReady(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	consumer := newTierConsumer(store, &recordingProcessor{}, lock.NewKeyed(time.Second))
	err := consumer.HandleTriggerTierSourcing(context.Background(), trigger("run-x", 0, crawler.DocumentFranchise))
	require.ErrorIs(t, err, crawler.ErrTierNotReady)
}

func TestTierConsumerIgnoresStaleTrigger(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	startSaga(t, store, "run-1",
		tierRow("r-franchise", "run-1", crawler.DocumentFranchise, "https://api.example.com/franchises"),
		tierRow("r-team", "run-1", crawler.DocumentTeamBySeason, "https://api.example.com/seasons/2024/teams"),
	)
	proc := &recordingProcessor{}
	consumer := newTierConsumer(store, proc, lock.NewKeyed(time.Second))

	require.NoError(t, consumer.HandleTriggerTierSourcing(context.Background(), trigger("run-1", 1, crawler.DocumentTeamBySeason)))
	require.Empty(t, proc.seen())
}

func TestTierConsumerSkipsDisabledRow(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	startSaga(t, store, "run-1", tierRow("r-franchise", "run-1", crawler.DocumentFranchise, "https://api.example.com/franchises"))
	require.NoError(t, store.DisableResourceIndex(context.Background(), "r-franchise"))
	proc := &recordingProcessor{}
	consumer := newTierConsumer(store, proc, lock.NewKeyed(time.Second))

	require.NoError(t, consumer.HandleTriggerTierSourcing(context.Background(), trigger("run-1", 0, crawler.DocumentFranchise)))
	require.Empty(t, proc.seen())
}

func TestTierConsumerRejectsConcurrentDuplicate(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	startSaga(t, store, "run-1", tierRow("r-franchise", "run-1", crawler.DocumentFranchise, "https://api.example.com/franchises"))
	proc := &recordingProcessor{block: make(chan struct{})}
	locks := lock.NewKeyed(30 * time.Millisecond)
	consumer := newTierConsumer(store, proc, locks)

	first := make(chan error, 1)
	go func() {
		first <- consumer.HandleTriggerTierSourcing(context.Background(), trigger("run-1", 0, crawler.DocumentFranchise))
	}()
	require.Eventually(t, func() bool { return locks.Held() == 1 }, time.Second, time.Millisecond)

	err := consumer.HandleTriggerTierSourcing(context.Background(), trigger("run-1", 0, crawler.DocumentFranchise))
	require.ErrorIs(t, err, lock.ErrLockTimeout)

	close(proc.block)
	require.NoError(t, <-first)
	require.Len(t, proc.seen(), 1)
}

func TestTierLockName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "tier:run-1:Venue", TierLockName("run-1", crawler.DocumentVenue))
}
