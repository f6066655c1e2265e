package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

const claimOutboxSQL = `
SELECT sequence, message_id, message_type, body, attributes, enqueued_at
FROM outbox
WHERE sent_at IS NULL
ORDER BY sequence
LIMIT $1
FOR UPDATE SKIP LOCKED`

// RelayOutbox claims up to limit unsent rows, sends them in sequence order
// and marks the successful prefix sent. Rows stay locked until commit, so
// concurrent relays never send the same row twice.
func (s *Store) RelayOutbox(
	ctx context.Context,
	limit int,
	send func(ctx context.Context, env bus.Envelope) error,
) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin relay: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("relay rollback failed", zap.Error(rbErr))
		}
	}()

	records, err := claimOutbox(ctx, tx, limit)
	if err != nil {
		return 0, err
	}

	sent := make([]int64, 0, len(records))
	var sendErr error
	for _, rec := range records {
		if err := send(ctx, rec.Envelope); err != nil {
			sendErr = fmt.Errorf("relay outbox sequence %d: %w", rec.Sequence, err)
			break
		}
		sent = append(sent, rec.Sequence)
	}

	if len(sent) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET sent_at = $1 WHERE sequence = ANY($2)`, s.now(), sent); err != nil {
			return 0, fmt.Errorf("mark outbox sent: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit relay: %w", err)
	}
	committed = true
	return len(sent), sendErr
}

func claimOutbox(ctx context.Context, q querier, limit int) ([]bus.OutboxRecord, error) {
	rows, err := q.Query(ctx, claimOutboxSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var out []bus.OutboxRecord
	for rows.Next() {
		var (
			rec      bus.OutboxRecord
			body     []byte
			rawAttrs []byte
			enqueued time.Time
		)
		if err := rows.Scan(&rec.Sequence, &rec.Envelope.ID, &rec.Envelope.Type, &body, &rawAttrs, &enqueued); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if len(rawAttrs) > 0 {
			if err := json.Unmarshal(rawAttrs, &rec.Envelope.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal outbox attributes: %w", err)
			}
		}
		rec.Envelope.Body = body
		rec.Envelope.EnqueuedAt = enqueued
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return out, nil
}

// GetSaga loads committed saga state.
func (s *Store) GetSaga(ctx context.Context, correlationID string) (crawler.SagaState, error) {
	state, err := scanSaga(s.pool.QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM saga_state WHERE correlation_id = $1`, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.SagaState{}, fmt.Errorf("saga %s: %w", correlationID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.SagaState{}, fmt.Errorf("get saga: %w", err)
	}
	return state, nil
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]crawler.DocumentDeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT url_hash, parent_id, uri, sport, season_year, document_type, source_data_provider,
	correlation_id, causation_id, attempt_count, reason, failed_at
FROM document_dead_letter
ORDER BY failed_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []crawler.DocumentDeadLetter
	for rows.Next() {
		var (
			letter                   crawler.DocumentDeadLetter
			sport, docType, provider string
		)
		if err := rows.Scan(
			&letter.ID,
			&letter.ParentID,
			&letter.URI,
			&sport,
			&letter.SeasonYear,
			&docType,
			&provider,
			&letter.CorrelationID,
			&letter.CausationID,
			&letter.AttemptCount,
			&letter.Reason,
			&letter.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letter.Sport = crawler.Sport(sport)
		letter.DocumentType = crawler.DocumentType(docType)
		letter.SourceDataProvider = crawler.SourceDataProvider(provider)
		out = append(out, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}
