package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/queue"
)

const (
	defaultMaxRecords = 500
	defaultMaxBytes   = 1 << 20
	defaultMaxWait    = 2 * time.Second
)

var (
	// ErrDrained is returned by Next once the queue is closed and every
	// record has been emitted.
	ErrDrained = errors.New("batcher: queue drained")
	// ErrRecordTooLarge is reported for a record whose serialized form alone
	// exceeds MaxBytes. Such records can never be batched.
	ErrRecordTooLarge = errors.New("batcher: record exceeds max batch bytes")
)

// Config holds the batch triggers. Whichever limit is reached first emits
// the batch.
type Config struct {
	MaxRecords int
	MaxBytes   int
	MaxWait    time.Duration
}

// WithDefaults fills unset limits.
func (c Config) WithDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = defaultMaxRecords
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	return c
}

// RejectFunc is told about records that were removed from the queue but can
// not be placed in any batch.
type RejectFunc func(rec *models.OperationRecord, err error)

// Option customises a Batcher.
type Option func(*Batcher)

// WithRejectHandler installs the handler for unbatchable records.
func WithRejectHandler(fn RejectFunc) Option {
	return func(b *Batcher) {
		if fn != nil {
			b.onReject = fn
		}
	}
}

// WithEncoder overrides record serialization.
func WithEncoder(fn func(*models.OperationRecord) ([]byte, error)) Option {
	return func(b *Batcher) {
		if fn != nil {
			b.encode = fn
		}
	}
}

// WithClock overrides the time source used for batch creation stamps. The
// MaxWait trigger always runs on the monotonic clock.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) {
		if now != nil {
			b.now = now
		}
	}
}

type item struct {
	rec     *models.OperationRecord
	payload []byte
}

// Batcher turns the queue into a stream of batches. Next must be called
// from a single goroutine; Flush and Pending are safe from any goroutine.
type Batcher struct {
	q        *queue.Queue
	cfg      Config
	encode   func(*models.OperationRecord) ([]byte, error)
	onReject RejectFunc
	now      func() time.Time

	flushCh chan struct{}
	pending atomic.Int64

	current *models.Batch
	firstAt time.Time
	backlog []item
	// flushLeft counts the records that were queued or pending when the
	// last flush signal arrived and have not been emitted since.
	flushLeft int
}

// New constructs a Batcher reading from q.
func New(q *queue.Queue, cfg Config, opts ...Option) *Batcher {
	b := &Batcher{
		q:        q,
		cfg:      cfg.WithDefaults(),
		encode:   encodeRecord,
		onReject: func(*models.OperationRecord, error) {},
		now:      time.Now,
		flushCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Config returns the effective limits.
func (b *Batcher) Config() Config { return b.cfg }

// Flush asks the batcher to emit the records queued or pending at the time
// the signal is observed without waiting for MaxWait. Records arriving later
// are batched by the usual triggers. It does not block.
func (b *Batcher) Flush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

// Pending returns the number of records pulled from the queue that have not
// yet been emitted in a batch.
func (b *Batcher) Pending() int { return int(b.pending.Load()) }

// Next blocks until a batch is ready, ctx is done, or the queue is closed
// and empty. It never returns an empty batch.
func (b *Batcher) Next(ctx context.Context) (*models.Batch, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		full := b.fill()

		if b.size() > 0 {
			if full {
				return b.emit(), nil
			}
			if b.flushLeft > 0 || b.q.Closed() {
				return b.emit(), nil
			}
			if time.Since(b.firstAt) >= b.cfg.MaxWait {
				return b.emit(), nil
			}
		} else {
			if b.q.Len() == 0 {
				b.flushLeft = 0
			}
			if b.q.Closed() && b.q.Len() == 0 {
				return nil, ErrDrained
			}
		}

		var timerC <-chan time.Time
		if b.size() > 0 {
			wait := b.cfg.MaxWait - time.Since(b.firstAt)
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.q.Ready():
		case <-b.flushCh:
			b.flushLeft = int(b.pending.Load()) + b.q.Len()
		case <-timerC:
		}

		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// fill moves records into the current batch until it is full or nothing is
// immediately available. It reports whether the batch hit a size limit.
func (b *Batcher) fill() bool {
	for {
		if b.size() >= b.cfg.MaxRecords {
			return true
		}
		if len(b.backlog) == 0 {
			b.pullFromQueue()
			if len(b.backlog) == 0 {
				return b.current != nil && b.current.Bytes() >= b.cfg.MaxBytes
			}
		}

		next := b.backlog[0]
		if len(next.payload) > b.cfg.MaxBytes {
			b.backlog = b.backlog[1:]
			b.pending.Add(-1)
			b.consumeFlush(1)
			b.onReject(next.rec, fmt.Errorf("%w: %d > %d bytes", ErrRecordTooLarge, len(next.payload), b.cfg.MaxBytes))
			continue
		}
		if b.size() > 0 && b.current.Bytes()+len(next.payload) > b.cfg.MaxBytes {
			return true
		}

		b.backlog = b.backlog[1:]
		if b.current == nil {
			b.current = models.NewBatch(NewBatchID(), b.now())
			b.firstAt = time.Now()
		}
		b.current.Add(next.rec, next.payload)
		if b.current.Bytes() >= b.cfg.MaxBytes {
			return true
		}
	}
}

func (b *Batcher) pullFromQueue() {
	want := b.cfg.MaxRecords - b.size()
	if want <= 0 {
		return
	}
	for _, rec := range b.q.Drain(want) {
		payload, err := b.encode(rec)
		if err != nil {
			b.consumeFlush(1)
			b.onReject(rec, fmt.Errorf("batcher: encode record %s: %w", rec.OperationID, err))
			continue
		}
		b.backlog = append(b.backlog, item{rec: rec, payload: payload})
		b.pending.Add(1)
	}
}

func (b *Batcher) size() int {
	if b.current == nil {
		return 0
	}
	return b.current.Len()
}

func (b *Batcher) emit() *models.Batch {
	out := b.current
	b.current = nil
	b.firstAt = time.Time{}
	b.pending.Add(-int64(out.Len()))
	b.consumeFlush(out.Len())
	return out
}

func (b *Batcher) consumeFlush(n int) {
	b.flushLeft -= n
	if b.flushLeft < 0 {
		b.flushLeft = 0
	}
}

func encodeRecord(rec *models.OperationRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// NewBatchID returns a time-ordered batch identifier.
func NewBatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
