package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/frontier"
	"github.com/JakeFAU/sports-provider-crawler/internal/jobs"
)

type seedOptions struct {
	reg        frontier.Registration
	seasonYear int
	disabled   bool
	fetch      bool
}

// newSeedCmd registers one frontier row from flags.
func newSeedCmd() *cobra.Command {
	opts := &seedOptions{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Registers a provider endpoint in the resource index",
		Example: `  provider seed --uri https://api.example.com/venues --sport FootballNcaa \
    --document-type Venue --provider Espn --recurring --cron "0 6 * * *"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reg := opts.reg
			if cmd.Flags().Changed("season") {
				season := opts.seasonYear
				reg.SeasonYear = &season
			}
			if opts.disabled {
				enabled := false
				reg.IsEnabled = &enabled
			}
			row, err := appInstance.Frontier().Register(cmd.Context(), reg)
			if err != nil {
				return fmt.Errorf("register resource index: %w", err)
			}
			zap.L().Info("resource index registered", zap.String("id", row.ID), zap.String("uri", row.URI))

			if opts.fetch {
				if err := appInstance.Executor().Execute(cmd.Context(), row, jobs.ExecuteOptions{}); err != nil {
					return fmt.Errorf("fetch resource index %s: %w", row.ID, err)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(row)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.reg.URI, "uri", "", "provider endpoint URI")
	f.StringVar(&opts.reg.Sport, "sport", "", "sport, e.g. FootballNcaa")
	f.StringVar(&opts.reg.DocumentType, "document-type", "", "document type, e.g. Venue")
	f.StringVar(&opts.reg.Provider, "provider", "", "source data provider, e.g. Espn")
	f.IntVar(&opts.seasonYear, "season", 0, "season year the endpoint belongs to")
	f.StringVar(&opts.reg.Shape, "shape", "", "resource shape hint (Auto, Index, Hybrid, Leaf)")
	f.BoolVar(&opts.reg.IsRecurring, "recurring", false, "execute the row on its cron schedule")
	f.StringVar(&opts.reg.CronExpression, "cron", "", "standard five-field cron expression")
	f.BoolVar(&opts.disabled, "disabled", false, "register the row disabled")
	f.StringVar(&opts.reg.CreatedBy, "created-by", "cli", "provenance recorded on the row")
	f.BoolVar(&opts.fetch, "fetch", false, "fetch the row once right after registering it")
	_ = cmd.MarkFlagRequired("uri")
	return cmd
}
