// File: cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/docfix-cli/internal/config"
	"github.com/xkilldash9x/docfix-cli/internal/observability"
	"github.com/xkilldash9x/docfix-cli/internal/store"
)

// newReportCmd creates the `report` command, which lists the ledger rows of one run.
func newReportCmd(provider ledgerProvider) *cobra.Command {
	var runID string
	var asJSON bool

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Show the recorded outcomes of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runReport(ctx, observability.GetLogger(), cfg, runID, asJSON, cmd.OutOrStdout(), provider)
		},
	}
	reportCmd.Flags().StringVar(&runID, "run", "", "the run ID printed in the run summary (required)")
	_ = reportCmd.MarkFlagRequired("run")
	reportCmd.Flags().BoolVar(&asJSON, "json", false, "print the rows as JSON")
	return reportCmd
}

// runReport contains the core, testable logic of the report command.
func runReport(ctx context.Context, logger *zap.Logger, cfg *config.Config, runID string, asJSON bool, out io.Writer, provider ledgerProvider) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database URL is not configured (%s_DATABASE_URL)", config.EnvPrefix)
	}
	ledger, cleanup, err := provider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	recs, err := ledger.OutcomesByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to read outcomes: %w", err)
	}
	logger.Debug("Outcomes loaded.", zap.String("run_id", runID), zap.Int("rows", len(recs)))

	if asJSON {
		if recs == nil {
			recs = []store.Record{}
		}
		return writeJSON(out, recs)
	}
	if len(recs) == 0 {
		_, err := fmt.Fprintf(out, "No outcomes recorded for run %s.\n", runID)
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROCESSED\tCOMMENT\tOUTCOME\tMETHOD\tPATH\tDETAIL")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ProcessedAt.Format("2006-01-02 15:04:05"), r.CommentID, r.Outcome, r.Method, r.Path, r.Detail)
	}
	return tw.Flush()
}
