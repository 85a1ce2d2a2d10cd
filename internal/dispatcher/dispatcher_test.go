package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	pubmemory "github.com/JakeFAU/securescan/internal/publisher/memory"
	queuememory "github.com/JakeFAU/securescan/internal/queue/memory"
	"github.com/JakeFAU/securescan/internal/scan"
	storememory "github.com/JakeFAU/securescan/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("scan-%04d", g.n), nil
}

// scanFunc adapts a function to scan.Scanner.
type scanFunc func(ctx context.Context, target string) (scan.Result, error)

func (f scanFunc) Scan(ctx context.Context, target string) (scan.Result, error) {
	return f(ctx, target)
}

func okResult(target string) scan.Result {
	return scan.Result{
		EffectiveURL: target,
		HTTPStatus:   200,
		Findings: []scan.Finding{{
			Kind: scan.KindHTMLForm, Severity: scan.SeverityInfo, Title: "Found 1 HTML form(s).", Location: target,
		}},
	}
}

type harness struct {
	queue *queuememory.Queue
	store *storememory.Store
	pub   *pubmemory.Publisher
	disp  *Dispatcher
	done  chan error
}

func newHarness(t *testing.T, concurrency int, scanner scan.Scanner) *harness {
	t.Helper()
	h := &harness{
		queue: queuememory.NewQueue(64),
		store: storememory.NewStore(&fakeClock{now: time.Unix(1700000000, 0).UTC()}, &seqIDs{}),
		pub:   pubmemory.New(),
		done:  make(chan error, 1),
	}
	h.disp = New(h.queue, h.store, scanner, h.pub, &fakeClock{now: time.Unix(1700000000, 0).UTC()},
		Config{Concurrency: concurrency}, zap.NewNop())
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() { h.done <- h.disp.Run(ctx) }()
}

func (h *harness) submit(t *testing.T, target string) scan.ID {
	t.Helper()
	rec, err := h.store.Create(context.Background(), target)
	require.NoError(t, err)
	require.NoError(t, h.queue.TryEnqueue(scan.Job{ID: rec.ID, TargetURL: target}))
	return rec.ID
}

// shutdown closes the queue, waits for Run to return and for all scans to end.
func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.queue.Close()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
	h.disp.Wait()
}

func (h *harness) record(t *testing.T, id scan.ID) scan.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestDispatcherCompletesScan(t *testing.T) {
	h := newHarness(t, 2, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
		return okResult(target), nil
	}))
	h.start(context.Background())
	id := h.submit(t, "https://example.com")
	h.shutdown(t)

	rec := h.record(t, id)
	require.Equal(t, scan.StatusCompleted, rec.Status)
	require.NotNil(t, rec.FinishedAt)
	require.Len(t, rec.Findings, 1)
	require.Equal(t, "Found 1 HTML form(s).", rec.Findings[0].Title)

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, DefaultTopic, msgs[0].Topic)
	event, ok := msgs[0].Payload.(FinishedEvent)
	require.True(t, ok)
	require.Equal(t, id, event.ScanID)
	require.Equal(t, scan.StatusCompleted, event.Status)
	require.Equal(t, *rec.FinishedAt, event.FinishedAt)
}

func TestDispatcherFetchFailureYieldsOneFinding(t *testing.T) {
	h := newHarness(t, 1, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
		return scan.Result{}, &scan.FetchError{URL: target, Err: errors.New("context deadline exceeded")}
	}))
	h.start(context.Background())
	id := h.submit(t, "https://slow.test")
	h.shutdown(t)

	rec := h.record(t, id)
	require.Equal(t, scan.StatusFailed, rec.Status)
	require.NotNil(t, rec.FinishedAt)
	require.Len(t, rec.Findings, 1)
	require.Equal(t, scan.KindFetchFailure, rec.Findings[0].Kind)
	require.Equal(t, "Scan failed: target could not be fetched", rec.Findings[0].Title)
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	const limit = 3
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	release := make(chan struct{})
	h := newHarness(t, limit, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return okResult(target), nil
	}))
	h.start(context.Background())

	ids := make([]scan.ID, 0, 10)
	for i := 0; i < 10; i++ {
		ids = append(ids, h.submit(t, fmt.Sprintf("https://host%d.test", i)))
	}

	require.Eventually(t, func() bool { return current.Load() == limit }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, limit, current.Load(), "no scan may start without a permit")

	close(release)
	h.shutdown(t)

	require.EqualValues(t, limit, peak.Load())
	for _, id := range ids {
		require.Equal(t, scan.StatusCompleted, h.record(t, id).Status)
	}
}

func TestDispatcherSingleWorkerIsFIFO(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	h := newHarness(t, 1, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
		mu.Lock()
		order = append(order, target)
		mu.Unlock()
		return okResult(target), nil
	}))

	want := []string{"https://a.test", "https://b.test", "https://c.test", "https://d.test"}
	for _, target := range want {
		h.submit(t, target)
	}
	h.start(context.Background())
	h.shutdown(t)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, order)
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	h := newHarness(t, 1, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
		if target == "https://boom.test" {
			panic("nil map write")
		}
		return okResult(target), nil
	}))
	h.start(context.Background())
	boom := h.submit(t, "https://boom.test")
	after := h.submit(t, "https://after.test")
	h.shutdown(t)

	rec := h.record(t, boom)
	require.Equal(t, scan.StatusFailed, rec.Status)
	require.Len(t, rec.Findings, 1)
	require.Equal(t, scan.KindInternalError, rec.Findings[0].Kind)

	// The permit was returned, so the next job still ran.
	require.Equal(t, scan.StatusCompleted, h.record(t, after).Status)
}

func TestDispatcherCancelLeavesJobsQueued(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, 1, scanFunc(func(ctx context.Context, target string) (scan.Result, error) {
		<-release
		// Scans run detached from Run's context.
		if ctx.Err() != nil {
			return scan.Result{}, ctx.Err()
		}
		return okResult(target), nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)

	first := h.submit(t, "https://first.test")
	require.Eventually(t, func() bool {
		return h.record(t, first).Status == scan.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	second := h.submit(t, "https://second.test")

	cancel()
	select {
	case err := <-h.done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}

	close(release)
	h.disp.Wait()
	h.queue.Close()

	require.Equal(t, scan.StatusCompleted, h.record(t, first).Status)
	require.Equal(t, scan.StatusQueued, h.record(t, second).Status)
}

func TestDispatcherWithoutPublisher(t *testing.T) {
	q := queuememory.NewQueue(4)
	store := storememory.NewStore(&fakeClock{}, &seqIDs{})
	d := New(q, store, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
		return okResult(target), nil
	}), nil, &fakeClock{}, Config{}, nil)
	require.Equal(t, DefaultConcurrency, d.cfg.Concurrency)

	rec, err := store.Create(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.NoError(t, q.TryEnqueue(scan.Job{ID: rec.ID, TargetURL: rec.TargetURL}))
	q.Close()

	require.NoError(t, d.Run(context.Background()))
	d.Wait()

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, scan.StatusCompleted, got.Status)
}

// runningFaultStore fails the first n attempts to mark a record running,
// either with an error or with a panic.
type runningFaultStore struct {
	*storememory.Store
	n      atomic.Int32
	panics bool
}

func (s *runningFaultStore) SetStatus(ctx context.Context, id scan.ID, status scan.Status) error {
	if status == scan.StatusRunning && s.n.Add(-1) >= 0 {
		if s.panics {
			panic("connection reset")
		}
		return errors.New("connection reset")
	}
	return s.Store.SetStatus(ctx, id, status)
}

func runOnce(t *testing.T, store scan.Store, scanner scan.Scanner, pub scan.Publisher, cfg Config) scan.ID {
	t.Helper()
	q := queuememory.NewQueue(4)
	rec, err := store.Create(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.NoError(t, q.TryEnqueue(scan.Job{ID: rec.ID, TargetURL: rec.TargetURL}))
	q.Close()

	d := New(q, store, scanner, pub, &fakeClock{}, cfg, zap.NewNop())
	require.NoError(t, d.Run(context.Background()))
	d.Wait()
	return rec.ID
}

func TestDispatcherRetriesMarkRunning(t *testing.T) {
	store := &runningFaultStore{Store: storememory.NewStore(&fakeClock{}, &seqIDs{})}
	store.n.Store(1)
	var saw scan.Status
	id := runOnce(t, store, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
		rec, _ := store.Get(context.Background(), "scan-0001")
		saw = rec.Status
		return okResult(target), nil
	}), nil, Config{StoreRetryBackoff: time.Millisecond})

	require.Equal(t, scan.StatusRunning, saw)
	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusCompleted, got.Status)
	require.Len(t, got.Findings, 1)
}

func TestDispatcherNeverStrandsQueuedRecord(t *testing.T) {
	tests := []struct {
		name   string
		panics bool
	}{
		{name: "store error", panics: false},
		{name: "store panic", panics: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &runningFaultStore{Store: storememory.NewStore(&fakeClock{}, &seqIDs{}), panics: tt.panics}
			// Every attempt inside the scan loop fails; the write in finish succeeds.
			store.n.Store(DefaultStoreAttempts)
			pub := pubmemory.New()
			id := runOnce(t, store, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
				return okResult(target), nil
			}), pub, Config{StoreRetryBackoff: time.Millisecond})

			got, err := store.Get(context.Background(), id)
			require.NoError(t, err)
			require.True(t, got.Status.IsTerminal(), "status %s", got.Status)
			require.Equal(t, scan.StatusCompleted, got.Status)
			require.NotNil(t, got.FinishedAt)
			require.Len(t, got.Findings, 1)
			require.Len(t, pub.Messages(), 1)
		})
	}
}

func TestDispatcherPanicBeforeRunningEndsFailed(t *testing.T) {
	store := &runningFaultStore{Store: storememory.NewStore(&fakeClock{}, &seqIDs{}), panics: true}
	store.n.Store(DefaultStoreAttempts)
	id := runOnce(t, store, scanFunc(func(context.Context, string) (scan.Result, error) {
		panic("scanner exploded")
	}), nil, Config{StoreRetryBackoff: time.Millisecond})

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, got.Status)
	require.Len(t, got.Findings, 1)
	require.Equal(t, scan.KindInternalError, got.Findings[0].Kind)
}

// stuckPublisher never delivers; it returns only once ctx ends.
type stuckPublisher struct {
	mu   sync.Mutex
	errs []error
}

func (p *stuckPublisher) Publish(ctx context.Context, _ string, _ any) (string, error) {
	<-ctx.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, ctx.Err())
	return "", ctx.Err()
}

func TestDispatcherBoundsPublish(t *testing.T) {
	store := storememory.NewStore(&fakeClock{}, &seqIDs{})
	pub := &stuckPublisher{}

	start := time.Now()
	id := runOnce(t, store, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
		return okResult(target), nil
	}), pub, Config{PublishTimeout: 50 * time.Millisecond})
	require.Less(t, time.Since(start), 5*time.Second, "publish held the permit past its timeout")

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusCompleted, got.Status)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.errs, 1)
	require.ErrorIs(t, pub.errs[0], context.DeadlineExceeded)
}

func TestDispatcherStatusSequenceIsMonotonic(t *testing.T) {
	for _, fail := range []bool{false, true} {
		t.Run(fmt.Sprintf("fail=%v", fail), func(t *testing.T) {
			gate := make(chan struct{})
			h := newHarness(t, 1, scanFunc(func(_ context.Context, target string) (scan.Result, error) {
				<-gate
				if fail {
					return scan.Result{}, &scan.FetchError{URL: target, Err: errors.New("refused")}
				}
				return okResult(target), nil
			}))
			id := h.submit(t, "https://watched.test")

			seen := make(chan []scan.Status, 1)
			watching := make(chan struct{})
			go func() {
				var statuses []scan.Status
				for {
					rec, err := h.store.Get(context.Background(), id)
					if err == nil && (len(statuses) == 0 || statuses[len(statuses)-1] != rec.Status) {
						statuses = append(statuses, rec.Status)
						if len(statuses) == 1 {
							close(watching)
						}
					}
					if rec.Status.IsTerminal() {
						seen <- statuses
						return
					}
					time.Sleep(time.Millisecond)
				}
			}()

			<-watching
			h.start(context.Background())
			require.Eventually(t, func() bool {
				return h.record(t, id).Status == scan.StatusRunning
			}, 2*time.Second, time.Millisecond)
			close(gate)
			h.shutdown(t)

			var got []scan.Status
			select {
			case got = <-seen:
			case <-time.After(5 * time.Second):
				t.Fatal("record never reached a terminal status")
			}
			final := scan.StatusCompleted
			if fail {
				final = scan.StatusFailed
			}
			require.Equal(t, []scan.Status{scan.StatusQueued, scan.StatusRunning, final}, got)
		})
	}
}

func TestDispatcherRecordsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	store := storememory.NewStore(&fakeClock{}, &seqIDs{})
	var parent bool
	id := runOnce(t, store, scanFunc(func(ctx context.Context, target string) (scan.Result, error) {
		parent = trace.SpanContextFromContext(ctx).IsValid()
		return scan.Result{}, &scan.FetchError{URL: target, Err: errors.New("refused")}
	}), nil, Config{})

	require.True(t, parent, "scanner runs inside the dispatch span")
	spans := rec.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "dispatcher.process", span.Name())
	require.Equal(t, codes.Error, span.Status().Code)
	require.Contains(t, span.Attributes(), attribute.String("scan.id", string(id)))
	require.Contains(t, span.Attributes(), attribute.String("scan.status", string(scan.StatusFailed)))
}
