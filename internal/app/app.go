// Package app initializes and holds long-lived scan services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/securescan/internal/clock/system"
	"github.com/JakeFAU/securescan/internal/config"
	"github.com/JakeFAU/securescan/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/securescan/internal/fetcher/colly"
	"github.com/JakeFAU/securescan/internal/id/uuid"
	"github.com/JakeFAU/securescan/internal/policy/ratelimit"
	"github.com/JakeFAU/securescan/internal/policy/simple"
	memorypublisher "github.com/JakeFAU/securescan/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/securescan/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/securescan/internal/queue/memory"
	"github.com/JakeFAU/securescan/internal/scan"
	"github.com/JakeFAU/securescan/internal/scanner"
	"github.com/JakeFAU/securescan/internal/service"
	memorystore "github.com/JakeFAU/securescan/internal/store/memory"
	"github.com/JakeFAU/securescan/internal/store/postgres"
)

// App holds the shared services for one process: the record store, the
// bounded queue, the scanning pipeline and the dispatcher that drives it.
type App struct {
	Logger     *zap.Logger
	Store      scan.Store
	Queue      *queuememory.Queue
	Publisher  scan.Publisher
	Service    *service.Service
	Dispatcher *dispatcher.Dispatcher

	pinger  func(context.Context) error
	closers []func() error
	stopRun context.CancelFunc
	runDone chan struct{}
}

// New builds every service named by cfg. It fails fast if a provider cannot be
// initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Logger: logger}
	clock := system.New()
	ids := uuid.New()

	if err := a.initStore(ctx, cfg, clock, ids); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.Queue = queuememory.NewQueue(cfg.Scanner.QueueCapacity)
	policy := simple.New(cfg.Scanner.BlockedHosts)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Scanner.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxRedirects: cfg.Scanner.MaxRedirects,
		Policy:       policy,
	})
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS:   cfg.Scanner.PerHostRPS,
		PerHostBurst: cfg.Scanner.PerHostBurst,
	})
	pipeline := scanner.New(fetcher, limiter, logger, scanner.WithWaitTimeout(cfg.FetchTimeout()))

	a.Service = service.New(a.Store, a.Queue, logger, service.WithTargetPolicy(policy))
	a.Dispatcher = dispatcher.New(
		a.Queue,
		a.Store,
		pipeline,
		a.Publisher,
		clock,
		dispatcher.Config{
			Concurrency:    cfg.Scanner.Concurrency,
			Topic:          cfg.Events.Topic,
			PublishTimeout: cfg.PublishTimeout(),
		},
		logger,
	)

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("events", cfg.Events.Provider),
		zap.Int("concurrency", cfg.Scanner.Concurrency),
		zap.Int("queue_capacity", cfg.Scanner.QueueCapacity),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context, cfg config.Config, clock scan.Clock, ids scan.IDGenerator) error {
	switch cfg.Store.Provider {
	case config.StoreMemory:
		a.Logger.Info("using in-memory scan store")
		a.Store = memorystore.NewStore(clock, ids)
	case config.StorePostgres:
		a.Logger.Info("connecting to postgres", zap.String("table", cfg.Store.Postgres.Table))
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Store.Postgres.DSN,
			Table:    cfg.Store.Postgres.Table,
			MaxConns: cfg.Store.Postgres.MaxConns,
		}, clock, ids)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if cfg.Store.Postgres.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("init store: %w", err)
			}
		}
		a.Store = store
		a.pinger = store.Ping
	default:
		return fmt.Errorf("unknown store provider: %s", cfg.Store.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context, cfg config.Config) error {
	switch cfg.Events.Provider {
	case config.EventsNone:
		a.Logger.Info("completion events disabled")
	case config.EventsMemory:
		a.Publisher = memorypublisher.New(memorypublisher.WithLogger(a.Logger))
	case config.EventsPubSub:
		a.Logger.Info("connecting to pub/sub", zap.String("topic", cfg.Events.Topic))
		pub, err := pubsubpublisher.New(ctx, cfg.Events.PubSub.ProjectID, a.Logger)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.Publisher = pub
	default:
		return fmt.Errorf("unknown events provider: %s", cfg.Events.Provider)
	}
	return nil
}

// Ready reports whether backing services are reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.pinger == nil {
		return nil
	}
	return a.pinger(ctx)
}

// Start runs the dispatcher in the background until Shutdown.
func (a *App) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopRun = cancel
	a.runDone = make(chan struct{})
	go func() {
		defer close(a.runDone)
		if err := a.Dispatcher.Run(runCtx); err != nil {
			a.Logger.Warn("dispatcher stopped early", zap.Error(err))
		}
	}()
}

// Shutdown stops admission, lets the dispatcher drain the queue, and waits
// for in-flight scans. When ctx ends first, jobs not yet dispatched stay
// queued.
func (a *App) Shutdown(ctx context.Context) error {
	a.Queue.Close()
	if a.runDone == nil {
		return nil
	}
	defer a.stopRun()

	select {
	case <-a.runDone:
	case <-ctx.Done():
		a.stopRun()
		<-a.runDone
		return fmt.Errorf("drain queue: %w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		a.Dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight scans: %w", ctx.Err())
	}
}

// Close releases provider connections in reverse order of creation.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("error closing application services", zap.Error(err))
	}
}
