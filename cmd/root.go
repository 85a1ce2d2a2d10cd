// Package cmd defines and implements the CLI commands for the securescan executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/securescan/internal/app"
	"github.com/JakeFAU/securescan/internal/config"
	"github.com/JakeFAU/securescan/internal/logging"
)

// appKeyType is the key for storing the runtime in the context.
type appKeyType string

const appKey appKeyType = "app"

// runtime bundles what every subcommand needs.
type runtime struct {
	cfg config.Config
	app *app.App
}

// newRootCmd creates and configures the root command. The runtime built for
// the chosen subcommand is recorded in *built so the caller can close it even
// when the subcommand fails.
func newRootCmd(built **runtime) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "securescan",
		Short: "Asynchronous URL security scanner.",
		Long: `securescan accepts URLs, queues them for a bounded pool of workers,
fetches each target once and records passive security findings about its
transport, headers and markup.`,
		SilenceUsage: true,

		// Build the application once config is known and hand it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			rt := &runtime{cfg: cfg, app: appInstance}
			*built = rt
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, rt))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newServeCmd(), newScanCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(appKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// run executes the CLI with args and releases application services once the
// subcommand returns.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	var rt *runtime
	cmd := newRootCmd(&rt)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	err := cmd.ExecuteContext(ctx)
	if rt != nil {
		rt.app.Close()
		_ = rt.app.Logger.Sync()
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}
