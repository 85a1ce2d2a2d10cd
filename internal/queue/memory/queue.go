// Package memory provides the in-process admission queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/securescan/internal/scan"
)

// DefaultCapacity is used when NewQueue is given a non-positive capacity.
const DefaultCapacity = 128

// Queue is a bounded FIFO of scan jobs. Capacity is accounted through slots:
// a producer claims a slot before its job enters the channel and the consumer
// frees it on dequeue, so a committed job never blocks on send.
type Queue struct {
	items chan scan.Job
	slots chan struct{}
	done  chan struct{}

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		items: make(chan scan.Job, capacity),
		slots: make(chan struct{}, capacity),
		done:  make(chan struct{}),
	}
}

// TryEnqueue admits a job without blocking. It returns scan.ErrQueueFull
// when every slot is taken.
func (q *Queue) TryEnqueue(job scan.Job) error {
	res, err := q.TryReserve()
	if err != nil {
		return err
	}
	return res.Commit(job)
}

// Enqueue admits a job, waiting for capacity if needed.
func (q *Queue) Enqueue(ctx context.Context, job scan.Job) error {
	res, err := q.Reserve(ctx)
	if err != nil {
		return err
	}
	return res.Commit(job)
}

// TryReserve claims one slot without blocking.
func (q *Queue) TryReserve() (scan.Reservation, error) {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return nil, scan.ErrQueueClosed
	}
	select {
	case q.slots <- struct{}{}:
		return &reservation{q: q}, nil
	default:
		return nil, scan.ErrQueueFull
	}
}

// Reserve claims one slot, blocking until one frees, the queue closes, or the
// context ends.
func (q *Queue) Reserve(ctx context.Context) (scan.Reservation, error) {
	select {
	case <-q.done:
		return nil, scan.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("reserve canceled: %w", ctx.Err())
	case <-q.done:
		return nil, scan.ErrQueueClosed
	case q.slots <- struct{}{}:
		return &reservation{q: q}, nil
	}
}

// Dequeue pops the next job, respecting context cancellation. Once the queue
// is closed the remaining jobs are still returned, then scan.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (scan.Job, error) {
	select {
	case <-ctx.Done():
		return scan.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.items:
		if !ok {
			return scan.Job{}, scan.ErrQueueClosed
		}
		<-q.slots
		return job, nil
	}
}

// Len reports the number of jobs waiting for dispatch.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Close stops admission. Producers blocked in Reserve or Enqueue return
// scan.ErrQueueClosed; queued jobs stay available to Dequeue.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.closeMu.Lock()
		defer q.closeMu.Unlock()
		q.closed = true
		close(q.items)
	})
}

var errReservationUsed = errors.New("reservation already used")

func (q *Queue) commit(job scan.Job) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		<-q.slots
		return scan.ErrQueueClosed
	}
	q.items <- job
	return nil
}

type reservation struct {
	q    *Queue
	once sync.Once
}

// Commit places the job in the queue. A reservation commits at most once.
func (r *reservation) Commit(job scan.Job) error {
	err := errReservationUsed
	r.once.Do(func() {
		err = r.q.commit(job)
	})
	return err
}

// Release frees the slot if it was not committed.
func (r *reservation) Release() {
	r.once.Do(func() {
		<-r.q.slots
	})
}
