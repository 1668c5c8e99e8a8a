// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/docfix-cli/internal/config"
	"github.com/xkilldash9x/docfix-cli/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// NewRootCommand builds the docfix command tree. Every subcommand gets the loaded
// configuration through its context and logs through the global logger.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "docfix",
		Short: "docfix resolves reviewer comments on SAP Help Portal topics.",
		Long: `docfix reads Help Portal comment notifications, locates the commented element in
the topic's XML source, asks a model for a rewrite and checks the result back in.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "docfix"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Configuration loaded.", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			observability.Sync()
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		newResolveCmd(),
		newRunCmd(defaultRunDeps()),
		newReportCmd(defaultLedgerProvider),
		newUploadCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with ctx and returns the first error.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed.", zap.Error(err))
	}
	return err
}

// getConfigFromContext returns the configuration stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	if ctx == nil {
		return nil, fmt.Errorf("command context is not set")
	}
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not found in command context")
	}
	return cfg, nil
}
