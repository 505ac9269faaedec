package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/example/operate-log-client/internal/models"
)

const defaultCapacity = 10000

var (
	// ErrQueueFull is returned when no capacity slot became available within
	// the configured block timeout.
	ErrQueueFull = errors.New("queue: full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue: closed")
)

// BuildFunc produces the record to enqueue. It runs while the queue holds
// its lock, so it must be cheap and must not block.
type BuildFunc func() (*models.OperationRecord, error)

// Option customises a Queue.
type Option func(*Queue)

// WithBlockTimeout makes Enqueue wait up to d for a free slot when the queue
// is full. Zero (the default) rejects immediately.
func WithBlockTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.blockTimeout = d
		}
	}
}

// Queue is a bounded FIFO of records shared between producers and the single
// dispatcher. Capacity is tracked with a weighted semaphore: Enqueue acquires
// one slot per record and Drain releases them.
type Queue struct {
	capacity     int
	blockTimeout time.Duration
	slots        *semaphore.Weighted

	mu      sync.Mutex
	items   []*models.OperationRecord
	closed  bool
	readyCh chan struct{}

	closeCtx    context.Context
	closeCancel context.CancelFunc
}

// New constructs a queue with the given capacity. Non-positive capacities
// fall back to the default of 10000.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	q := &Queue{
		capacity:    capacity,
		slots:       semaphore.NewWeighted(int64(capacity)),
		readyCh:     make(chan struct{}, 1),
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Enqueue appends rec to the queue.
func (q *Queue) Enqueue(ctx context.Context, rec *models.OperationRecord) error {
	if rec == nil {
		return errors.New("queue: record is required")
	}
	_, err := q.EnqueueFunc(ctx, func() (*models.OperationRecord, error) { return rec, nil })
	return err
}

// EnqueueFunc reserves a slot and then calls build under the queue lock,
// appending its result. Building inside the critical section makes
// generated timestamps follow queue acceptance order.
func (q *Queue) EnqueueFunc(ctx context.Context, build BuildFunc) (*models.OperationRecord, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.slots.Release(1)
		return nil, ErrClosed
	}
	rec, err := build()
	if err != nil {
		q.mu.Unlock()
		q.slots.Release(1)
		return nil, err
	}
	if rec == nil {
		q.mu.Unlock()
		q.slots.Release(1)
		return nil, errors.New("queue: build returned no record")
	}
	q.items = append(q.items, rec)
	q.mu.Unlock()

	q.signal()
	return rec, nil
}

func (q *Queue) acquire(ctx context.Context) error {
	if q.slots.TryAcquire(1) {
		return nil
	}
	if q.blockTimeout <= 0 {
		return ErrQueueFull
	}
	if ctx == nil {
		ctx = context.Background()
	}

	waitCtx, cancel := context.WithTimeout(ctx, q.blockTimeout)
	defer cancel()
	stop := context.AfterFunc(q.closeCtx, cancel)
	defer stop()

	if err := q.slots.Acquire(waitCtx, 1); err != nil {
		if q.isClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return fmt.Errorf("queue: enqueue cancelled: %w", ctx.Err())
		}
		return ErrQueueFull
	}
	return nil
}

// Drain removes and returns up to max records in FIFO order without
// blocking. It keeps working after Close so remaining records can be
// delivered.
func (q *Queue) Drain(max int) []*models.OperationRecord {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	n := len(q.items)
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	if n > max {
		n = max
	}
	out := make([]*models.OperationRecord, n)
	copy(out, q.items[:n])
	for i := 0; i < n; i++ {
		q.items[i] = nil
	}
	q.items = q.items[n:]
	remaining := len(q.items)
	q.mu.Unlock()

	q.slots.Release(int64(n))
	if remaining > 0 {
		q.signal()
	}
	return out
}

// Ready delivers a signal whenever records may be available.
func (q *Queue) Ready() <-chan struct{} { return q.readyCh }

// Len returns the number of buffered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool { return q.isClosed() }

// Close rejects further enqueues and wakes blocked producers. Buffered
// records remain drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.closeCancel()
	q.signal()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) signal() {
	select {
	case q.readyCh <- struct{}{}:
	default:
	}
}
