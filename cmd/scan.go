package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/securescan/internal/scan"
	"github.com/JakeFAU/securescan/internal/service"
)

// newScanCmd creates the 'scan' subcommand, which runs one-off scans through
// the same queue and dispatcher the server uses.
func newScanCmd() *cobra.Command {
	var (
		timeout time.Duration
		poll    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan <target>...",
		Short: "Scans the given URLs and prints the records as JSON",
		Long: `Submits every target, waiting for queue capacity when the queue is
full, then waits until each scan reaches a terminal status and prints the
records as a JSON array on stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args, timeout, poll)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for all scans (0 disables)")
	cmd.Flags().DurationVar(&poll, "poll", service.DefaultPollInterval, "how often to check scan status")
	return cmd
}

func runScan(cmd *cobra.Command, targets []string, timeout, poll time.Duration) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	a := rt.app

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.ShutdownGrace())
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("scans still pending at shutdown", zap.Error(err))
		}
	}()

	ids := make([]scan.ID, 0, len(targets))
	for _, target := range targets {
		rec, err := a.Service.SubmitWait(ctx, target)
		if err != nil {
			return fmt.Errorf("submit %q: %w", target, err)
		}
		ids = append(ids, rec.ID)
	}

	records := make([]scan.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := a.Service.WaitFor(ctx, id, poll)
		if err != nil {
			return fmt.Errorf("wait for scan %s: %w", id, err)
		}
		records = append(records, rec)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	return nil
}
