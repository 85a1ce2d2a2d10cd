// Package service is the single entry point for submitting and reading scans.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/securescan/internal/logging"
	"github.com/JakeFAU/securescan/internal/metrics"
	"github.com/JakeFAU/securescan/internal/scan"
)

// DefaultPollInterval is how often WaitFor re-reads a record.
const DefaultPollInterval = 100 * time.Millisecond

// Service normalizes targets, creates records, and admits jobs.
type Service struct {
	store     scan.Store
	admission scan.Admission
	policy    scan.TargetPolicy
	logger    *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithTargetPolicy rejects targets the policy does not allow before any
// capacity is claimed.
func WithTargetPolicy(p scan.TargetPolicy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// New constructs a Service.
func New(store scan.Store, admission scan.Admission, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		admission: admission,
		logger:    logger.Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit admits a scan without waiting for queue capacity. It fails with
// scan.ErrInvalidTarget or scan.ErrQueueFull and leaves no record behind in
// either case.
func (s *Service) Submit(ctx context.Context, rawTarget string) (scan.Record, error) {
	return s.submit(ctx, rawTarget, func() (scan.Reservation, error) {
		return s.admission.TryReserve()
	})
}

// SubmitWait admits a scan, blocking until capacity frees, the queue closes
// or ctx ends.
func (s *Service) SubmitWait(ctx context.Context, rawTarget string) (scan.Record, error) {
	return s.submit(ctx, rawTarget, func() (scan.Reservation, error) {
		return s.admission.Reserve(ctx)
	})
}

func (s *Service) submit(
	ctx context.Context,
	rawTarget string,
	reserve func() (scan.Reservation, error),
) (scan.Record, error) {
	target, err := scan.NormalizeTarget(rawTarget)
	if err != nil {
		metrics.ObserveSubmission(metrics.SubmissionInvalid)
		return scan.Record{}, err
	}
	if s.policy != nil && !s.policy.AllowTarget(target) {
		metrics.ObserveSubmission(metrics.SubmissionInvalid)
		return scan.Record{}, fmt.Errorf("%w: %s", scan.ErrTargetBlocked, target)
	}

	slot, err := reserve()
	if err != nil {
		if errors.Is(err, scan.ErrQueueFull) {
			metrics.ObserveSubmission(metrics.SubmissionQueueFull)
		} else {
			metrics.ObserveSubmission(metrics.SubmissionError)
		}
		return scan.Record{}, fmt.Errorf("admit %s: %w", target, err)
	}

	rec, err := s.store.Create(ctx, target)
	if err != nil {
		slot.Release()
		metrics.ObserveSubmission(metrics.SubmissionError)
		return scan.Record{}, fmt.Errorf("create scan record: %w", err)
	}
	if err := slot.Commit(scan.Job{ID: rec.ID, TargetURL: rec.TargetURL}); err != nil {
		// The queue closed between reservation and commit; the record stays
		// queued and is never dispatched.
		metrics.ObserveSubmission(metrics.SubmissionError)
		logging.WithScan(s.logger, rec.ID, target).Warn("job commit failed", zap.Error(err))
		return scan.Record{}, fmt.Errorf("commit scan %s: %w", rec.ID, err)
	}

	metrics.ObserveSubmission(metrics.SubmissionAccepted)
	logging.WithScan(s.logger, rec.ID, target).Info("scan queued")
	return rec, nil
}

// Get returns a record or scan.ErrNotFound.
func (s *Service) Get(ctx context.Context, id scan.ID) (scan.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return scan.Record{}, fmt.Errorf("get scan %s: %w", id, err)
	}
	return rec, nil
}

// List returns all records, newest first.
func (s *Service) List(ctx context.Context) ([]scan.Record, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return records, nil
}

// WaitFor polls a record until it reaches a terminal status or ctx ends.
func (s *Service) WaitFor(ctx context.Context, id scan.ID, every time.Duration) (scan.Record, error) {
	if every <= 0 {
		every = DefaultPollInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return scan.Record{}, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("wait for scan %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
