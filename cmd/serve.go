package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/JakeFAU/securescan/internal/api"
	"github.com/JakeFAU/securescan/internal/metrics"
	"github.com/JakeFAU/securescan/internal/telemetry"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and
// the dispatcher until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scan API and dispatcher",
		Long: `Starts the HTTP API on the configured port and a dispatcher that
drains the scan queue with a bounded worker pool. On SIGINT or SIGTERM the
server stops accepting requests, the queue is closed and in-flight scans are
given the shutdown grace period to finish.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	a, cfg := rt.app, rt.cfg
	logger := a.Logger

	undoProcs, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	defer undoProcs()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}()

	metrics.Init()
	a.Start(ctx)

	apiServer := api.NewServer(
		a.Service,
		logger,
		api.WithReadiness(a.Ready),
		api.WithRequestTimeout(cfg.RequestTimeout()),
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
			logger.Error("http server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scans still pending at shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}
