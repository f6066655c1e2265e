package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

const resourceIndexColumns = `id, uri, endpoint_mask, sport, document_type, source_data_provider,
	season_year, shape, is_recurring, cron_expression, is_enabled, ordinal,
	source_url_hash, created_by, created_at, last_accessed_at`

const insertResourceIndexSQL = `
INSERT INTO resource_index (
	id,
	uri,
	endpoint_mask,
	sport,
	document_type,
	source_data_provider,
	season_year,
	shape,
	is_recurring,
	cron_expression,
	is_enabled,
	ordinal,
	source_url_hash,
	created_by
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,
	COALESCE($12, (SELECT COUNT(*) FROM resource_index)),
	$13,$14
)
RETURNING ordinal, created_at`

// CreateResourceIndex inserts row. A row with the same
// (document_type, sport, provider, season_year, uri) tuple is rejected with
// crawler.ErrDuplicateResourceIndex.
func (s *Store) CreateResourceIndex(ctx context.Context, row crawler.ResourceIndex) (crawler.ResourceIndex, error) {
	return insertResourceIndex(ctx, s.pool, row)
}

func insertResourceIndex(ctx context.Context, q querier, row crawler.ResourceIndex) (crawler.ResourceIndex, error) {
	if row.ID == "" {
		return crawler.ResourceIndex{}, fmt.Errorf("%w: resource index id is required", crawler.ErrInvalidValue)
	}
	var cron *string
	if row.CronExpression != "" {
		cron = &row.CronExpression
	}
	var (
		ordinal   int
		createdAt time.Time
	)
	err := q.QueryRow(ctx, insertResourceIndexSQL,
		row.ID,
		row.URI,
		row.EndpointMask,
		string(row.Sport),
		string(row.DocumentType),
		string(row.Provider),
		row.SeasonYear,
		string(row.Shape),
		row.IsRecurring,
		cron,
		row.IsEnabled,
		row.Ordinal,
		row.SourceURLHash,
		row.CreatedBy,
	).Scan(&ordinal, &createdAt)
	if err != nil {
		return crawler.ResourceIndex{}, mapWriteError("insert resource index "+row.URI, err)
	}
	row.Ordinal = &ordinal
	row.CreatedAt = createdAt
	return row, nil
}

// GetResourceIndex loads a row by ID.
func (s *Store) GetResourceIndex(ctx context.Context, id string) (crawler.ResourceIndex, error) {
	row, err := scanResourceIndex(s.pool.QueryRow(ctx,
		`SELECT `+resourceIndexColumns+` FROM resource_index WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ResourceIndex{}, fmt.Errorf("resource index %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ResourceIndex{}, fmt.Errorf("get resource index: %w", err)
	}
	return row, nil
}

// FindByCorrelationAndType resolves the row a historical run created for a tier.
func (s *Store) FindByCorrelationAndType(
	ctx context.Context,
	correlationID string,
	documentType crawler.DocumentType,
	seasonYear *int,
) (crawler.ResourceIndex, error) {
	row, err := scanResourceIndex(s.pool.QueryRow(ctx, `
SELECT `+resourceIndexColumns+`
FROM resource_index
WHERE created_by = $1 AND document_type = $2 AND season_year IS NOT DISTINCT FROM $3
ORDER BY ordinal
LIMIT 1`, correlationID, string(documentType), seasonYear))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ResourceIndex{}, fmt.Errorf("%s/%s: %w", correlationID, documentType, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ResourceIndex{}, fmt.Errorf("find resource index: %w", err)
	}
	return row, nil
}

// ListRecurring returns enabled recurring rows in ordinal order.
func (s *Store) ListRecurring(ctx context.Context) ([]crawler.ResourceIndex, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+resourceIndexColumns+`
FROM resource_index
WHERE is_recurring AND is_enabled
ORDER BY ordinal`)
	if err != nil {
		return nil, fmt.Errorf("list recurring: %w", err)
	}
	defer rows.Close()

	var out []crawler.ResourceIndex
	for rows.Next() {
		row, err := scanResourceIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recurring: %w", err)
	}
	return out, nil
}

// DisableResourceIndex marks a row disabled.
func (s *Store) DisableResourceIndex(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE resource_index SET is_enabled = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("disable resource index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resource index %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// TouchResourceIndex records when a row was last executed.
func (s *Store) TouchResourceIndex(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE resource_index SET last_accessed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch resource index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resource index %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func scanResourceIndex(row pgx.Row) (crawler.ResourceIndex, error) {
	var (
		out                      crawler.ResourceIndex
		sport, docType, provider string
		shape                    string
		seasonYear               *int
		cron                     *string
		ordinal                  int
		lastAccessed             *time.Time
	)
	err := row.Scan(
		&out.ID,
		&out.URI,
		&out.EndpointMask,
		&sport,
		&docType,
		&provider,
		&seasonYear,
		&shape,
		&out.IsRecurring,
		&cron,
		&out.IsEnabled,
		&ordinal,
		&out.SourceURLHash,
		&out.CreatedBy,
		&out.CreatedAt,
		&lastAccessed,
	)
	if err != nil {
		return crawler.ResourceIndex{}, err
	}
	out.Sport = crawler.Sport(sport)
	out.DocumentType = crawler.DocumentType(docType)
	out.Provider = crawler.SourceDataProvider(provider)
	out.Shape = crawler.ResourceShape(shape)
	out.SeasonYear = seasonYear
	if cron != nil {
		out.CronExpression = *cron
	}
	out.Ordinal = &ordinal
	out.LastAccessedAt = lastAccessed
	return out, nil
}
