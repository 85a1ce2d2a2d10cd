// Package scanner glues rate limiting, fetching, and analysis into a single scan.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/securescan/internal/analysis"
	"github.com/JakeFAU/securescan/internal/scan"
)

const tracerName = "github.com/JakeFAU/securescan/internal/scanner"

// DefaultWaitTimeout bounds how long a scan queues behind the per-host limiter.
const DefaultWaitTimeout = 10 * time.Second

// Scanner implements scan.Scanner.
type Scanner struct {
	fetcher     scan.Fetcher
	limiter     scan.Limiter
	logger      *zap.Logger
	waitTimeout time.Duration
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithWaitTimeout caps the limiter wait. Non-positive values keep the default.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// New builds a Scanner. limiter may be nil to disable throttling.
func New(fetcher scan.Fetcher, limiter scan.Limiter, logger *zap.Logger, opts ...Option) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{
		fetcher:     fetcher,
		limiter:     limiter,
		logger:      logger.Named("scanner"),
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan fetches target once and analyzes the response. Fetch failures are
// returned as *scan.FetchError.
func (s *Scanner) Scan(ctx context.Context, target string) (res scan.Result, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scanner.Scan",
		trace.WithAttributes(attribute.String("url.full", target)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("http.response.status_code", res.HTTPStatus),
				attribute.Int("scan.findings", len(res.Findings)),
			)
		}
		span.End()
	}()

	if err := s.throttle(ctx, target); err != nil {
		return scan.Result{}, err
	}

	resp, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		var fe *scan.FetchError
		if !errors.As(err, &fe) {
			err = &scan.FetchError{URL: target, Err: err}
		}
		return scan.Result{}, err
	}
	s.logger.Debug("target fetched",
		zap.String("target_url", target),
		zap.String("effective_url", resp.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", resp.Duration),
	)

	findings := analysis.Analyze(analysis.Input{
		TargetURL:  target,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
	})
	effective := resp.URL
	if effective == "" {
		effective = target
	}
	return scan.Result{
		EffectiveURL: effective,
		HTTPStatus:   resp.StatusCode,
		Headers:      resp.Headers,
		Findings:     findings,
	}, nil
}

func (s *Scanner) throttle(ctx context.Context, target string) error {
	if s.limiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	if err := s.limiter.Wait(waitCtx, target); err != nil {
		return fmt.Errorf("throttle %s: %w", target, err)
	}
	return nil
}
