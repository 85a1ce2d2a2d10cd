// Package dispatcher drains the admission queue and runs scans under a
// bounded permit pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/securescan/internal/logging"
	"github.com/JakeFAU/securescan/internal/metrics"
	"github.com/JakeFAU/securescan/internal/scan"
)

// DefaultConcurrency is the permit count used when Config leaves it zero.
const DefaultConcurrency = 4

// DefaultTopic names the completion event.
const DefaultTopic = "scan.finished"

// Defaults applied when Config leaves a field zero.
const (
	DefaultPublishTimeout    = 10 * time.Second
	DefaultStoreAttempts     = 3
	DefaultStoreRetryBackoff = 50 * time.Millisecond
)

const tracerName = "github.com/JakeFAU/securescan/internal/dispatcher"

// Config controls Dispatcher behavior.
type Config struct {
	Concurrency int
	Topic       string
	// PublishTimeout bounds delivery of one completion event. The scan's
	// permit is held until delivery returns.
	PublishTimeout time.Duration
	// StoreAttempts and StoreRetryBackoff govern retries of status writes.
	StoreAttempts     int
	StoreRetryBackoff time.Duration
}

// Source hands out admitted jobs in FIFO order.
type Source interface {
	Dequeue(ctx context.Context) (scan.Job, error)
}

type depthReporter interface {
	Len() int
}

// FinishedEvent is published once a scan reaches a terminal status.
type FinishedEvent struct {
	ScanID     scan.ID        `json:"scan_id"`
	TargetURL  string         `json:"target_url"`
	Status     scan.Status    `json:"status"`
	Findings   []scan.Finding `json:"findings"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Dispatcher is the single consumer of the admission queue. Each dequeued job
// runs in its own goroutine once a permit is held.
type Dispatcher struct {
	source    Source
	store     scan.Store
	scanner   scan.Scanner
	publisher scan.Publisher
	clock     scan.Clock
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	cfg       Config
	logger    *zap.Logger
}

// New creates a Dispatcher. publisher may be nil.
func New(
	source Source,
	store scan.Store,
	scanner scan.Scanner,
	publisher scan.Publisher,
	clock scan.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.StoreAttempts <= 0 {
		cfg.StoreAttempts = DefaultStoreAttempts
	}
	if cfg.StoreRetryBackoff <= 0 {
		cfg.StoreRetryBackoff = DefaultStoreRetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:    source,
		store:     store,
		scanner:   scanner,
		publisher: publisher,
		clock:     clock,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		cfg:       cfg,
		logger:    logger.Named("dispatcher"),
	}
}

// Run dequeues jobs and dispatches each one after acquiring a permit. It
// returns nil once the queue is closed and drained, or the context error when
// ctx ends first; jobs not yet dispatched stay queued. Spawned scans are not
// canceled with ctx; use Wait to block until they finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", zap.Int("concurrency", d.cfg.Concurrency))
	for {
		job, err := d.source.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, scan.ErrQueueClosed) {
				d.logger.Info("queue closed, dispatcher stopping")
				return nil
			}
			if ctx.Err() != nil {
				return fmt.Errorf("dispatcher stopped: %w", ctx.Err())
			}
			d.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		d.reportDepth()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.logger.Warn("job abandoned before dispatch",
				zap.String("scan_id", string(job.ID)), zap.Error(err))
			return fmt.Errorf("dispatcher stopped: %w", err)
		}
		d.wg.Add(1)
		go func(job scan.Job) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.process(context.WithoutCancel(ctx), job)
		}(job)
	}
}

// Wait blocks until every dispatched scan has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) process(ctx context.Context, job scan.Job) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatcher.process",
		trace.WithAttributes(
			attribute.String("scan.id", string(job.ID)),
			attribute.String("url.full", job.TargetURL),
		))
	defer span.End()

	logger := logging.WithScan(d.logger, job.ID, job.TargetURL)
	start := d.clock.Now()
	metrics.IncRunning()
	defer metrics.DecRunning()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scan panicked", zap.Any("panic", r))
			failure := scan.FailureFinding(job.TargetURL, fmt.Errorf("scan panicked: %v", r))
			d.finish(ctx, logger, job, scan.StatusFailed, []scan.Finding{failure}, start)
		}
	}()

	// A record left queued here is caught up in finish.
	if err := d.markRunning(ctx, job.ID); err != nil {
		logger.Error("mark running failed", zap.Error(err))
	}
	logger.Debug("scan started")

	result, err := d.scanner.Scan(ctx, job.TargetURL)
	if err != nil {
		logger.Warn("scan failed", zap.Error(err))
		d.finish(ctx, logger, job, scan.StatusFailed, []scan.Finding{scan.FailureFinding(job.TargetURL, err)}, start)
		return
	}
	d.finish(ctx, logger, job, scan.StatusCompleted, result.Findings, start)
}

// finish writes findings before the terminal status so a reader that sees the
// status also sees the findings. Terminal statuses are only reachable from
// running, so the record is marked running again first; that is a no-op when
// it already is.
func (d *Dispatcher) finish(
	ctx context.Context,
	logger *zap.Logger,
	job scan.Job,
	status scan.Status,
	findings []scan.Finding,
	start time.Time,
) {
	if err := d.markRunning(ctx, job.ID); err != nil {
		logger.Error("mark running failed", zap.Error(err))
	}
	if err := d.retry(ctx, func(ctx context.Context) error {
		return d.store.SetFindings(ctx, job.ID, findings)
	}); err != nil {
		logger.Error("store findings failed", zap.Error(err))
	}
	if err := d.retry(ctx, func(ctx context.Context) error {
		return d.store.SetStatus(ctx, job.ID, status)
	}); err != nil {
		logger.Error("final status update failed", zap.Error(err))
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("scan.status", string(status)), attribute.Int("scan.findings", len(findings)))
	if status == scan.StatusFailed && len(findings) > 0 {
		span.SetStatus(codes.Error, findings[0].Title)
	}

	elapsed := d.clock.Now().Sub(start)
	metrics.ObserveFinished(string(status), elapsed)
	logger.Info("scan finished",
		zap.String("status", string(status)),
		zap.Int("findings", len(findings)),
		zap.Duration("elapsed", elapsed),
	)
	d.publish(ctx, logger, job, status, findings)
}

func (d *Dispatcher) markRunning(ctx context.Context, id scan.ID) error {
	return d.retry(ctx, func(ctx context.Context) error {
		return d.store.SetStatus(ctx, id, scan.StatusRunning)
	})
}

// retry runs op up to StoreAttempts times with a linear backoff. A panicking
// op counts as a failed attempt.
func (d *Dispatcher) retry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < d.cfg.StoreAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * d.cfg.StoreRetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}
		if err = safeCall(ctx, op); err == nil {
			return nil
		}
	}
	return err
}

func safeCall(ctx context.Context, op func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
		}
	}()
	return op(ctx)
}

func (d *Dispatcher) publish(ctx context.Context, logger *zap.Logger, job scan.Job, status scan.Status, findings []scan.Finding) {
	if d.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()

	finishedAt := d.clock.Now()
	if rec, err := d.store.Get(ctx, job.ID); err == nil && rec.FinishedAt != nil {
		finishedAt = *rec.FinishedAt
	}
	event := FinishedEvent{
		ScanID:     job.ID,
		TargetURL:  job.TargetURL,
		Status:     status,
		Findings:   scan.CloneFindings(findings),
		FinishedAt: finishedAt,
	}
	id, err := d.publisher.Publish(ctx, d.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish finished event failed", zap.Error(err))
		return
	}
	logger.Debug("finished event published", zap.String("message_id", id))
}

func (d *Dispatcher) reportDepth() {
	if r, ok := d.source.(depthReporter); ok {
		metrics.SetQueueDepth(r.Len())
	}
}
