// Package frontier validates and registers crawl frontier rows.
package frontier

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/identity"
)

// Registration is an unvalidated request to add a frontier row. Enum fields
// are names as an operator would type them.
type Registration struct {
	URI            string `json:"uri"`
	Sport          string `json:"sport"`
	DocumentType   string `json:"document_type"`
	Provider       string `json:"source_data_provider"`
	SeasonYear     *int   `json:"season_year,omitempty"`
	Shape          string `json:"shape,omitempty"`
	IsRecurring    bool   `json:"is_recurring"`
	CronExpression string `json:"cron_expression,omitempty"`
	IsEnabled      *bool  `json:"is_enabled,omitempty"`
	Ordinal        *int   `json:"ordinal,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`
}

// Service owns frontier writes.
type Service struct {
	store  crawler.ResourceIndexStore
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(store crawler.ResourceIndexStore, ids crawler.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, ids: ids, logger: logger}
}

// Register validates reg and inserts it. Validation failures wrap
// crawler.ErrInvalidValue; a duplicate tuple wraps
// crawler.ErrDuplicateResourceIndex.
func (s *Service) Register(ctx context.Context, reg Registration) (crawler.ResourceIndex, error) {
	row, err := s.build(reg)
	if err != nil {
		return crawler.ResourceIndex{}, err
	}
	created, err := s.store.CreateResourceIndex(ctx, row)
	if err != nil {
		return crawler.ResourceIndex{}, err
	}
	s.logger.Info("resource index registered",
		zap.String("id", created.ID),
		zap.String("url", created.URI),
		zap.String("document_type", string(created.DocumentType)),
		zap.String("sport", string(created.Sport)),
		zap.Bool("recurring", created.IsRecurring),
	)
	return created, nil
}

// Get loads a row by ID.
func (s *Service) Get(ctx context.Context, id string) (crawler.ResourceIndex, error) {
	return s.store.GetResourceIndex(ctx, id)
}

// Disable stops a row from being scheduled or resolved by tier triggers.
func (s *Service) Disable(ctx context.Context, id string) (crawler.ResourceIndex, error) {
	if err := s.store.DisableResourceIndex(ctx, id); err != nil {
		return crawler.ResourceIndex{}, err
	}
	s.logger.Info("resource index disabled", zap.String("id", id))
	return s.store.GetResourceIndex(ctx, id)
}

func (s *Service) build(reg Registration) (crawler.ResourceIndex, error) {
	ref, err := identity.Generate(reg.URI)
	if err != nil {
		return crawler.ResourceIndex{}, fmt.Errorf("%w: %v", crawler.ErrInvalidValue, err)
	}
	sport, err := crawler.ParseSport(reg.Sport)
	if err != nil {
		return crawler.ResourceIndex{}, err
	}
	documentType, err := crawler.ParseDocumentType(reg.DocumentType)
	if err != nil {
		return crawler.ResourceIndex{}, err
	}
	provider, err := crawler.ParseProvider(reg.Provider)
	if err != nil {
		return crawler.ResourceIndex{}, err
	}
	shape, err := crawler.ParseShape(reg.Shape)
	if err != nil {
		return crawler.ResourceIndex{}, err
	}
	if reg.SeasonYear != nil && *reg.SeasonYear <= 0 {
		return crawler.ResourceIndex{}, fmt.Errorf("%w: season year %d", crawler.ErrInvalidValue, *reg.SeasonYear)
	}
	if err := ValidateSchedule(reg.IsRecurring, reg.CronExpression); err != nil {
		return crawler.ResourceIndex{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return crawler.ResourceIndex{}, fmt.Errorf("generate resource index id: %w", err)
	}
	enabled := true
	if reg.IsEnabled != nil {
		enabled = *reg.IsEnabled
	}
	return crawler.ResourceIndex{
		ID:             id,
		URI:            ref.CleanURL,
		EndpointMask:   crawler.EndpointMask(ref.CleanURL),
		Sport:          sport,
		DocumentType:   documentType,
		Provider:       provider,
		SeasonYear:     reg.SeasonYear,
		Shape:          shape,
		IsRecurring:    reg.IsRecurring,
		CronExpression: strings.TrimSpace(reg.CronExpression),
		IsEnabled:      enabled,
		Ordinal:        reg.Ordinal,
		SourceURLHash:  ref.URLHash,
		CreatedBy:      reg.CreatedBy,
	}, nil
}

// ValidateSchedule checks that recurring rows carry a standard five-field
// cron expression and one-shot rows carry none.
func ValidateSchedule(recurring bool, expr string) error {
	expr = strings.TrimSpace(expr)
	if !recurring {
		if expr != "" {
			return fmt.Errorf("%w: cron expression on a non-recurring row", crawler.ErrInvalidValue)
		}
		return nil
	}
	if expr == "" {
		return fmt.Errorf("%w: recurring row needs a cron expression", crawler.ErrInvalidValue)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: cron expression %q: %v", crawler.ErrInvalidValue, expr, err)
	}
	return nil
}
