package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/saga"
	"github.com/JakeFAU/sports-provider-crawler/internal/server"
)

type backfillOptions struct {
	planPath      string
	season        int
	correlationID string
	wait          bool
	timeout       time.Duration
	pollInterval  time.Duration
}

// newBackfillCmd starts a tiered historical run from a YAML plan.
func newBackfillCmd() *cobra.Command {
	opts := &backfillOptions{}
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Starts a tiered historical run for one season",
		Long: `backfill loads a tier plan, starts a historical run and, with --wait,
processes it in this process until every tier has completed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runBackfill(cmd, appInstance, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.planPath, "plan", "", "path to the YAML tier plan")
	f.IntVar(&opts.season, "season", 0, "season year; overrides the plan's season_year")
	f.StringVar(&opts.correlationID, "correlation-id", "", "correlation ID for the run (generated when empty)")
	f.BoolVar(&opts.wait, "wait", false, "run workers until the historical run completes")
	f.DurationVar(&opts.timeout, "timeout", time.Hour, "maximum time to wait with --wait")
	f.DurationVar(&opts.pollInterval, "poll-interval", time.Second, "saga status poll interval with --wait")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runBackfill(cmd *cobra.Command, appInstance *server.App, opts *backfillOptions) error {
	plan, err := saga.LoadPlan(opts.planPath)
	if err != nil {
		return err
	}
	run, err := plan.StartRun(opts.correlationID, opts.season)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var g *errgroup.Group
	cancel := func() {}
	if opts.wait {
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		var gctx context.Context
		g, gctx = errgroup.WithContext(ctx)
		g.Go(func() error { return appInstance.RunWorkers(gctx) })
	}
	defer cancel()

	state, err := appInstance.Orchestrator().Start(ctx, run)
	if err != nil {
		cancel()
		if g != nil {
			_ = g.Wait()
		}
		return fmt.Errorf("start historical run: %w", err)
	}
	zap.L().Info("historical run started",
		zap.String("correlation_id", state.CorrelationID),
		zap.Int("season_year", state.SeasonYear),
		zap.Int("tiers", len(state.Tiers)),
	)

	if opts.wait {
		state, err = waitForSaga(ctx, appInstance.Store(), state.CorrelationID, opts.pollInterval)
		cancel()
		if werr := g.Wait(); werr != nil && err == nil {
			err = werr
		}
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

func waitForSaga(ctx context.Context, sagas crawler.SagaReader, correlationID string, every time.Duration) (crawler.SagaState, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		state, err := sagas.GetSaga(ctx, correlationID)
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return crawler.SagaState{}, err
		}
		if err == nil && state.Status == crawler.SagaCompleted {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, fmt.Errorf("waiting for run %s: %w", correlationID, ctx.Err())
		case <-ticker.C:
		}
	}
}
