package scan

import (
	"context"
	"time"
)

// Store owns scan records. Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a queued record with no findings.
	Create(ctx context.Context, targetURL string) (Record, error)
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id ID) (Record, error)
	// SetStatus is a no-op for unknown ids and for transitions the state
	// machine does not allow. The first terminal transition stamps FinishedAt.
	SetStatus(ctx context.Context, id ID, status Status) error
	// SetFindings replaces findings wholesale. Unknown ids are ignored.
	SetFindings(ctx context.Context, id ID, findings []Finding) error
	// List returns all records, newest first, ties broken by id.
	List(ctx context.Context) ([]Record, error)
}

// Queue admits jobs for dispatch and hands them out in FIFO order.
type Queue interface {
	TryEnqueue(job Job) error
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}

// Admission claims queue capacity ahead of record creation.
type Admission interface {
	// TryReserve fails fast with ErrQueueFull.
	TryReserve() (Reservation, error)
	// Reserve blocks until capacity frees, the queue closes, or ctx ends.
	Reserve(ctx context.Context) (Reservation, error)
}

// Reservation is one claimed unit of queue capacity.
type Reservation interface {
	// Commit places the job in the queue. It never blocks.
	Commit(job Job) error
	// Release returns the capacity unused.
	Release()
}

// Fetcher issues a single GET against a normalized target.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (FetchResponse, error)
}

// Scanner turns a target into a Result.
type Scanner interface {
	Scan(ctx context.Context, target string) (Result, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter throttles outbound fetches.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// TargetPolicy decides whether a normalized target may be scanned at all.
type TargetPolicy interface {
	AllowTarget(target string) bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces scan IDs.
type IDGenerator interface {
	NewID() (string, error)
}
