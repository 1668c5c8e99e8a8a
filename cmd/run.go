// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/docfix-cli/internal/browser"
	"github.com/xkilldash9x/docfix-cli/internal/config"
	"github.com/xkilldash9x/docfix-cli/internal/mail"
	"github.com/xkilldash9x/docfix-cli/internal/network"
	"github.com/xkilldash9x/docfix-cli/internal/observability"
	"github.com/xkilldash9x/docfix-cli/internal/patch"
	"github.com/xkilldash9x/docfix-cli/internal/pipeline"
	"github.com/xkilldash9x/docfix-cli/internal/store"
)

// ledgerProvider opens the outcome ledger and returns a cleanup function.
type ledgerProvider func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Ledger, func(), error)

// defaultLedgerProvider uses PostgreSQL when a database URL is configured and an
// in-memory ledger otherwise.
func defaultLedgerProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Ledger, func(), error) {
	if cfg.Database.URL == "" {
		logger.Info("No database configured; outcomes are kept in memory for this run only.")
		return store.NewMemory(), func() {}, nil
	}
	s, cleanup, err := store.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, cleanup, nil
}

// runDeps builds the collaborators of a run. Tests replace them with fakes.
type runDeps struct {
	source    func(cfg *config.Config, logger *zap.Logger) pipeline.CommentSource
	driver    func(cfg *config.Config, logger *zap.Logger) pipeline.UIDriver
	generator func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (patch.Generator, error)
	ledger    ledgerProvider
}

func defaultRunDeps() runDeps {
	return runDeps{
		source: func(cfg *config.Config, logger *zap.Logger) pipeline.CommentSource {
			return mail.NewSource(cfg.Mail, logger)
		},
		driver: func(cfg *config.Config, logger *zap.Logger) pipeline.UIDriver {
			return browser.NewDriver(cfg, logger)
		},
		generator: func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (patch.Generator, error) {
			httpClient, err := network.NewClient(cfg.Network, 0, logger)
			if err != nil {
				return nil, err
			}
			return patch.NewGeminiGenerator(ctx, cfg.LLM, httpClient, logger)
		},
		ledger: defaultLedgerProvider,
	}
}

func newRunCmd(deps runDeps) *cobra.Command {
	var date string
	var limit int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process comment notifications end to end",
		Long: `Reads comment notifications from the maildrop, opens each commented page, locates the
commented element in the topic source, rewrites it and checks the topic back in.
A summary file is written when the run ends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.Pipeline.DryRun = dryRun
			}
			var day time.Time
			if date != "" {
				day, err = time.ParseInLocation("2006-01-02", date, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --date %q, expected YYYY-MM-DD: %w", date, err)
				}
			}
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return runPipeline(cmd, cfg, deps, pipeline.RunOptions{Day: day, Limit: limit})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "only process notifications received on this day (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 0, "process at most this many notifications (0 = all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop before applying changes in the editor")
	return cmd
}

func runPipeline(cmd *cobra.Command, cfg *config.Config, deps runDeps, opts pipeline.RunOptions) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	if err := cfg.ValidateForRun(); err != nil {
		return err
	}
	generator, err := deps.generator(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create patch generator: %w", err)
	}
	ledger, cleanup, err := deps.ledger(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open outcome ledger: %w", err)
	}
	defer cleanup()

	runner := pipeline.NewRunner(cfg, pipeline.Deps{
		Source:    deps.source(cfg, logger),
		Driver:    deps.driver(cfg, logger),
		Generator: generator,
		Ledger:    ledger,
	}, logger)

	sum, runErr := runner.Run(ctx, opts)
	if sum != nil {
		path, err := sum.WriteFile(cfg.Pipeline.SummaryDir)
		if err != nil {
			logger.Error("Failed to write run summary.", zap.Error(err))
		} else {
			logger.Info("Run summary written.", zap.String("path", path))
		}
		fmt.Fprint(cmd.OutOrStdout(), sum.String())
	}
	return runErr
}
