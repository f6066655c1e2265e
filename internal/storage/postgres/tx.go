package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

const insertOutboxSQL = `
INSERT INTO outbox (message_id, message_type, body, attributes, enqueued_at)
SELECT m, t, b::jsonb, a::jsonb, e
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::timestamptz[]) AS u(m, t, b, a, e)`

const sagaColumns = `correlation_id, sport, source_data_provider, season_year, tiers,
	tier_index, progress, status, version, created_at, updated_at`

// Tx is a crawler.Tx bound to an open pgx transaction.
type Tx struct {
	tx  pgx.Tx
	now func() time.Time
}

// AppendOutbox writes envelopes to the outbox in one statement.
func (t *Tx) AppendOutbox(ctx context.Context, envelopes []bus.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	ids := make([]string, len(envelopes))
	types := make([]string, len(envelopes))
	bodies := make([]string, len(envelopes))
	attrs := make([]string, len(envelopes))
	enqueued := make([]time.Time, len(envelopes))
	for i, env := range envelopes {
		rawAttrs := []byte("{}")
		if env.Attributes != nil {
			var err error
			if rawAttrs, err = json.Marshal(env.Attributes); err != nil {
				return fmt.Errorf("marshal outbox attributes: %w", err)
			}
		}
		ids[i] = env.ID
		types[i] = env.Type
		bodies[i] = string(env.Body)
		attrs[i] = string(rawAttrs)
		enqueued[i] = env.EnqueuedAt
	}
	if _, err := t.tx.Exec(ctx, insertOutboxSQL, ids, types, bodies, attrs, enqueued); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

// CreateResourceIndex inserts a frontier row inside the transaction.
func (t *Tx) CreateResourceIndex(ctx context.Context, row crawler.ResourceIndex) (crawler.ResourceIndex, error) {
	return insertResourceIndex(ctx, t.tx, row)
}

// InsertSaga persists a new saga. An existing correlation ID is a conflict.
func (t *Tx) InsertSaga(ctx context.Context, state crawler.SagaState) error {
	tiers, err := json.Marshal(state.Tiers)
	if err != nil {
		return fmt.Errorf("marshal tiers: %w", err)
	}
	progress, err := json.Marshal(state.Progress)
	if err != nil {
		return fmt.Errorf("marshal tier progress: %w", err)
	}
	now := t.now()
	_, err = t.tx.Exec(ctx, `
INSERT INTO saga_state (`+sagaColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		state.CorrelationID,
		string(state.Sport),
		string(state.Provider),
		state.SeasonYear,
		tiers,
		state.TierIndex,
		progress,
		string(state.Status),
		state.Version,
		now,
		now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("saga %s: %w", state.CorrelationID, crawler.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

// GetSagaForUpdate loads and row-locks a saga for the rest of the transaction.
func (t *Tx) GetSagaForUpdate(ctx context.Context, correlationID string) (crawler.SagaState, error) {
	state, err := scanSaga(t.tx.QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM saga_state WHERE correlation_id = $1 FOR UPDATE`, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.SagaState{}, fmt.Errorf("saga %s: %w", correlationID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.SagaState{}, fmt.Errorf("get saga for update: %w", err)
	}
	return state, nil
}

// UpdateSaga writes state if its version still matches, bumping the version.
func (t *Tx) UpdateSaga(ctx context.Context, state crawler.SagaState) error {
	progress, err := json.Marshal(state.Progress)
	if err != nil {
		return fmt.Errorf("marshal tier progress: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE saga_state
SET tier_index = $3, progress = $4, status = $5, version = version + 1, updated_at = $6
WHERE correlation_id = $1 AND version = $2`,
		state.CorrelationID,
		state.Version,
		state.TierIndex,
		progress,
		string(state.Status),
		t.now(),
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("saga %s version %d: %w", state.CorrelationID, state.Version, crawler.ErrConflict)
	}
	return nil
}

// RecordDeadLetter stores a dead letter for operator triage.
func (t *Tx) RecordDeadLetter(ctx context.Context, letter crawler.DocumentDeadLetter) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO document_dead_letter (
	url_hash, parent_id, uri, sport, season_year, document_type, source_data_provider,
	correlation_id, causation_id, attempt_count, reason, failed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		letter.ID,
		letter.ParentID,
		letter.URI,
		string(letter.Sport),
		letter.SeasonYear,
		string(letter.DocumentType),
		string(letter.SourceDataProvider),
		letter.CorrelationID,
		letter.CausationID,
		letter.AttemptCount,
		letter.Reason,
		letter.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

func scanSaga(row pgx.Row) (crawler.SagaState, error) {
	var (
		out                     crawler.SagaState
		sport, provider, status string
		tiers, progress         []byte
	)
	err := row.Scan(
		&out.CorrelationID,
		&sport,
		&provider,
		&out.SeasonYear,
		&tiers,
		&out.TierIndex,
		&progress,
		&status,
		&out.Version,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return crawler.SagaState{}, err
	}
	if err := json.Unmarshal(tiers, &out.Tiers); err != nil {
		return crawler.SagaState{}, fmt.Errorf("unmarshal tiers: %w", err)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &out.Progress); err != nil {
			return crawler.SagaState{}, fmt.Errorf("unmarshal tier progress: %w", err)
		}
	}
	out.Sport = crawler.Sport(sport)
	out.Provider = crawler.SourceDataProvider(provider)
	out.Status = crawler.SagaStatus(status)
	return out, nil
}
