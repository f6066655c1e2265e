package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

// Store is an in-memory frontier, saga, outbox and dead-letter store.
// Transactions are serialized: InTx holds a store-wide lock while fn runs
// and applies staged writes only if fn succeeds.
type Store struct {
	txMu    sync.Mutex
	relayMu sync.Mutex

	mu          sync.RWMutex
	rows        map[string]crawler.ResourceIndex
	keys        map[string]string
	sagas       map[string]crawler.SagaState
	outbox      []bus.OutboxRecord
	nextSeq     int64
	deadLetters []crawler.DocumentDeadLetter
	now         func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		rows:  make(map[string]crawler.ResourceIndex),
		keys:  make(map[string]string),
		sagas: make(map[string]crawler.SagaState),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func uniqueKey(row crawler.ResourceIndex) string {
	season := "-"
	if row.SeasonYear != nil {
		season = fmt.Sprint(*row.SeasonYear)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", row.DocumentType, row.Sport, row.Provider, season, row.URI)
}

// CreateResourceIndex inserts row, rejecting duplicates of the unique tuple.
func (s *Store) CreateResourceIndex(_ context.Context, row crawler.ResourceIndex) (crawler.ResourceIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRowLocked(row)
}

func (s *Store) insertRowLocked(row crawler.ResourceIndex) (crawler.ResourceIndex, error) {
	if row.ID == "" {
		return crawler.ResourceIndex{}, fmt.Errorf("%w: resource index id is required", crawler.ErrInvalidValue)
	}
	key := uniqueKey(row)
	if _, exists := s.keys[key]; exists {
		return crawler.ResourceIndex{}, fmt.Errorf("%s: %w", row.URI, crawler.ErrDuplicateResourceIndex)
	}
	if _, exists := s.rows[row.ID]; exists {
		return crawler.ResourceIndex{}, fmt.Errorf("id %s: %w", row.ID, crawler.ErrDuplicateResourceIndex)
	}
	if row.Ordinal == nil {
		ordinal := len(s.rows)
		row.Ordinal = &ordinal
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	s.rows[row.ID] = row
	s.keys[key] = row.ID
	return row, nil
}

// GetResourceIndex loads a row by ID.
func (s *Store) GetResourceIndex(_ context.Context, id string) (crawler.ResourceIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return crawler.ResourceIndex{}, fmt.Errorf("resource index %s: %w", id, crawler.ErrNotFound)
	}
	return row, nil
}

// FindByCorrelationAndType returns the lowest-ordinal row created by a run
// for the given type and season.
func (s *Store) FindByCorrelationAndType(
	_ context.Context,
	correlationID string,
	documentType crawler.DocumentType,
	seasonYear *int,
) (crawler.ResourceIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found crawler.ResourceIndex
		ok    bool
	)
	for _, row := range s.rows {
		if row.CreatedBy != correlationID || row.DocumentType != documentType || !row.SeasonMatches(seasonYear) {
			continue
		}
		if !ok || ordinalOf(row) < ordinalOf(found) {
			found, ok = row, true
		}
	}
	if !ok {
		return crawler.ResourceIndex{}, fmt.Errorf("%s/%s: %w", correlationID, documentType, crawler.ErrNotFound)
	}
	return found, nil
}

// ListRecurring returns enabled recurring rows in ordinal order.
func (s *Store) ListRecurring(_ context.Context) ([]crawler.ResourceIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.ResourceIndex
	for _, row := range s.rows {
		if row.IsRecurring && row.IsEnabled {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return ordinalOf(out[i]) < ordinalOf(out[j]) })
	return out, nil
}

// DisableResourceIndex marks a row disabled; rows are never deleted.
func (s *Store) DisableResourceIndex(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("resource index %s: %w", id, crawler.ErrNotFound)
	}
	row.IsEnabled = false
	s.rows[id] = row
	return nil
}

// TouchResourceIndex records when a row was last executed.
func (s *Store) TouchResourceIndex(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("resource index %s: %w", id, crawler.ErrNotFound)
	}
	row.LastAccessedAt = &at
	s.rows[id] = row
	return nil
}

// Len reports how many frontier rows are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// GetSaga loads committed saga state.
func (s *Store) GetSaga(_ context.Context, correlationID string) (crawler.SagaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sagas[correlationID]
	if !ok {
		return crawler.SagaState{}, fmt.Errorf("saga %s: %w", correlationID, crawler.ErrNotFound)
	}
	return cloneSaga(state), nil
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]crawler.DocumentDeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.deadLetters)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]crawler.DocumentDeadLetter, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.deadLetters[i])
	}
	return out, nil
}

// OutboxRecords returns a copy of every outbox row in sequence order.
func (s *Store) OutboxRecords() []bus.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bus.OutboxRecord, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// RelayOutbox sends up to limit unsent rows in sequence order, stopping at
// the first failure. Rows sent before the failure are marked sent.
func (s *Store) RelayOutbox(
	ctx context.Context,
	limit int,
	send func(ctx context.Context, env bus.Envelope) error,
) (int, error) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	s.mu.RLock()
	var pending []bus.OutboxRecord
	for _, rec := range s.outbox {
		if rec.SentAt == nil {
			pending = append(pending, rec)
			if limit > 0 && len(pending) == limit {
				break
			}
		}
	}
	s.mu.RUnlock()

	sent := make(map[int64]struct{}, len(pending))
	var sendErr error
	for _, rec := range pending {
		if err := send(ctx, rec.Envelope); err != nil {
			sendErr = fmt.Errorf("relay outbox sequence %d: %w", rec.Sequence, err)
			break
		}
		sent[rec.Sequence] = struct{}{}
	}

	if len(sent) > 0 {
		at := s.now()
		s.mu.Lock()
		for i := range s.outbox {
			if _, ok := sent[s.outbox[i].Sequence]; ok {
				s.outbox[i].SentAt = &at
			}
		}
		s.mu.Unlock()
	}
	return len(sent), sendErr
}

// InTx runs fn against a staged transaction and commits on success.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx crawler.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{store: s, sagas: make(map[string]crawler.SagaState)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Rows created outside a transaction may have raced the staged ones.
	seen := make(map[string]struct{}, len(tx.rows))
	for _, row := range tx.rows {
		key := uniqueKey(row)
		if _, exists := s.keys[key]; exists {
			return fmt.Errorf("commit %s: %w", row.URI, crawler.ErrDuplicateResourceIndex)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("commit %s: %w", row.URI, crawler.ErrDuplicateResourceIndex)
		}
		seen[key] = struct{}{}
	}

	for _, row := range tx.rows {
		if _, err := s.insertRowLocked(row); err != nil {
			return fmt.Errorf("commit resource index: %w", err)
		}
	}
	for id, state := range tx.sagas {
		s.sagas[id] = state
	}
	for _, env := range tx.envelopes {
		s.nextSeq++
		s.outbox = append(s.outbox, bus.OutboxRecord{Sequence: s.nextSeq, Envelope: env})
	}
	s.deadLetters = append(s.deadLetters, tx.deadLetters...)
	return nil
}

func ordinalOf(row crawler.ResourceIndex) int {
	if row.Ordinal == nil {
		return int(^uint(0) >> 1)
	}
	return *row.Ordinal
}

func cloneSaga(state crawler.SagaState) crawler.SagaState {
	state.Tiers = append([]crawler.Tier(nil), state.Tiers...)
	state.Progress.Pending = append([]string(nil), state.Progress.Pending...)
	state.Progress.Finished = append([]string(nil), state.Progress.Finished...)
	return state
}

type memTx struct {
	store       *Store
	rows        []crawler.ResourceIndex
	sagas       map[string]crawler.SagaState
	envelopes   []bus.Envelope
	deadLetters []crawler.DocumentDeadLetter
}

func (t *memTx) AppendOutbox(_ context.Context, envelopes []bus.Envelope) error {
	t.envelopes = append(t.envelopes, envelopes...)
	return nil
}

func (t *memTx) CreateResourceIndex(_ context.Context, row crawler.ResourceIndex) (crawler.ResourceIndex, error) {
	if row.ID == "" {
		return crawler.ResourceIndex{}, fmt.Errorf("%w: resource index id is required", crawler.ErrInvalidValue)
	}
	key := uniqueKey(row)
	t.store.mu.RLock()
	_, committed := t.store.keys[key]
	base := len(t.store.rows)
	t.store.mu.RUnlock()
	if committed {
		return crawler.ResourceIndex{}, fmt.Errorf("%s: %w", row.URI, crawler.ErrDuplicateResourceIndex)
	}
	for _, staged := range t.rows {
		if uniqueKey(staged) == key {
			return crawler.ResourceIndex{}, fmt.Errorf("%s: %w", row.URI, crawler.ErrDuplicateResourceIndex)
		}
	}
	if row.Ordinal == nil {
		ordinal := base + len(t.rows)
		row.Ordinal = &ordinal
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = t.store.now()
	}
	t.rows = append(t.rows, row)
	return row, nil
}

func (t *memTx) InsertSaga(_ context.Context, state crawler.SagaState) error {
	if _, staged := t.sagas[state.CorrelationID]; staged {
		return fmt.Errorf("saga %s: %w", state.CorrelationID, crawler.ErrConflict)
	}
	t.store.mu.RLock()
	_, exists := t.store.sagas[state.CorrelationID]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("saga %s: %w", state.CorrelationID, crawler.ErrConflict)
	}
	t.sagas[state.CorrelationID] = cloneSaga(state)
	return nil
}

func (t *memTx) GetSagaForUpdate(_ context.Context, correlationID string) (crawler.SagaState, error) {
	if state, ok := t.sagas[correlationID]; ok {
		return cloneSaga(state), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	state, ok := t.store.sagas[correlationID]
	if !ok {
		return crawler.SagaState{}, fmt.Errorf("saga %s: %w", correlationID, crawler.ErrNotFound)
	}
	return cloneSaga(state), nil
}

func (t *memTx) UpdateSaga(ctx context.Context, state crawler.SagaState) error {
	current, err := t.GetSagaForUpdate(ctx, state.CorrelationID)
	if err != nil {
		return err
	}
	if current.Version != state.Version {
		return fmt.Errorf("saga %s version %d != %d: %w",
			state.CorrelationID, state.Version, current.Version, crawler.ErrConflict)
	}
	state.Version++
	t.sagas[state.CorrelationID] = cloneSaga(state)
	return nil
}

func (t *memTx) RecordDeadLetter(_ context.Context, letter crawler.DocumentDeadLetter) error {
	t.deadLetters = append(t.deadLetters, letter)
	return nil
}
