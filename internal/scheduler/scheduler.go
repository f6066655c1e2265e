// Package scheduler runs recurring frontier rows on their cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/jobs"
)

// DefaultResyncInterval is how often the frontier is re-read for new,
// changed or disabled recurring rows.
const DefaultResyncInterval = time.Minute

// Source lists the rows to schedule.
type Source interface {
	ListRecurring(ctx context.Context) ([]crawler.ResourceIndex, error)
}

// Executor runs one frontier row.
type Executor interface {
	Execute(ctx context.Context, row crawler.ResourceIndex, opts jobs.ExecuteOptions) error
}

type entry struct {
	id   cron.EntryID
	expr string
}

// Scheduler keeps a cron entry per enabled recurring row.
type Scheduler struct {
	source   Source
	executor Executor
	cron     *cron.Cron
	resync   time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]entry
	baseCtx context.Context
}

// New constructs a Scheduler. A non-positive resync uses DefaultResyncInterval.
func New(source Source, executor Executor, resync time.Duration, logger *zap.Logger) *Scheduler {
	if resync <= 0 {
		resync = DefaultResyncInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		source:   source,
		executor: executor,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		resync:  resync,
		logger:  logger,
		entries: make(map[string]entry),
		baseCtx: context.Background(),
	}
}

// Run loads the schedule, starts the cron runner and resyncs until ctx is
// canceled. It waits for running jobs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if _, err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entries", s.Len()))

	ticker := time.NewTicker(s.resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-s.cron.Stop().Done()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Warn("scheduler resync failed", zap.Error(err))
			}
		}
	}
}

// Sync reconciles cron entries with the frontier and returns the number of
// scheduled rows. Rows with an unparsable expression are logged and skipped.
func (s *Scheduler) Sync(ctx context.Context) (int, error) {
	rows, err := s.source.ListRecurring(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recurring rows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		seen[row.ID] = struct{}{}
		if existing, ok := s.entries[row.ID]; ok {
			if existing.expr == row.CronExpression {
				continue
			}
			s.cron.Remove(existing.id)
			delete(s.entries, row.ID)
		}
		id, err := s.cron.AddFunc(row.CronExpression, s.jobFor(row))
		if err != nil {
			s.logger.Warn("skipping row with invalid cron expression",
				zap.String("id", row.ID),
				zap.String("cron", row.CronExpression),
				zap.Error(err),
			)
			continue
		}
		s.entries[row.ID] = entry{id: id, expr: row.CronExpression}
	}
	for rowID, e := range s.entries {
		if _, ok := seen[rowID]; !ok {
			s.cron.Remove(e.id)
			delete(s.entries, rowID)
		}
	}
	return len(s.entries), nil
}

// Len returns the number of scheduled rows.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunNow fires the job registered for rowID immediately.
func (s *Scheduler) RunNow(rowID string) bool {
	s.mu.Lock()
	e, ok := s.entries[rowID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Entry(e.id).WrappedJob.Run()
	return true
}

func (s *Scheduler) jobFor(row crawler.ResourceIndex) func() {
	return func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		logger := s.logger.With(
			zap.String("id", row.ID),
			zap.String("url", row.URI),
			zap.String("document_type", string(row.DocumentType)),
		)
		logger.Debug("scheduled execution starting")
		if err := s.executor.Execute(ctx, row, jobs.ExecuteOptions{}); err != nil {
			logger.Error("scheduled execution failed", zap.Error(err))
		}
	}
}

type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
