package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/operate-log-client/internal/models"
)

// ErrRetryable and ErrFatal are the sentinel errors transports use when
// classifying delivery failures.
var (
	ErrRetryable = errors.New("retryable delivery error")
	ErrFatal     = errors.New("fatal delivery error")
)

// Client delivers whole batches to the ingestion endpoint. A nil error from
// Send is an acknowledgement for every record in the batch. Send is only
// called from a single goroutine.
type Client interface {
	Send(ctx context.Context, batch *models.Batch) error
	Close() error
}

// WrapRetryable annotates an error so callers can detect retryable failures.
func WrapRetryable(err error) error {
	if err == nil {
		return ErrRetryable
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// WrapFatal annotates an error as permanent for the batch.
func WrapFatal(err error) error {
	if err == nil {
		return ErrFatal
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Result is the classified outcome of a send.
type Result int

const (
	ResultAck Result = iota
	ResultRetryable
	ResultFatal
)

func (r Result) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultRetryable:
		return "retryable"
	case ResultFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps a send error onto the delivery taxonomy. Anything not
// explicitly fatal is treated as retryable, including timeouts and errors
// from transports that do not classify.
func Classify(err error) Result {
	switch {
	case err == nil:
		return ResultAck
	case errors.Is(err, ErrFatal):
		return ResultFatal
	default:
		return ResultRetryable
	}
}

// Func adapts a plain function into a Client.
type Func func(ctx context.Context, batch *models.Batch) error

// Send calls f.
func (f Func) Send(ctx context.Context, batch *models.Batch) error { return f(ctx, batch) }

// Close is a no-op.
func (f Func) Close() error { return nil }

// Attempt is one call observed by a Recorder.
type Attempt struct {
	BatchID      string
	OperationIDs []string
	Err          error
	// At is when Send was called.
	At time.Time
}

// Recorder is an in-memory Client that records every attempt. Scripted
// results are returned in order; once exhausted every call acknowledges.
type Recorder struct {
	mu       sync.Mutex
	results  []error
	attempts []Attempt
	closed   bool
}

// NewRecorder returns a Recorder that replays results.
func NewRecorder(results ...error) *Recorder {
	return &Recorder{results: results}
}

// Send records the attempt and returns the next scripted result.
func (r *Recorder) Send(ctx context.Context, batch *models.Batch) error {
	at := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if len(r.results) > 0 {
		err = r.results[0]
		r.results = r.results[1:]
	}
	r.attempts = append(r.attempts, Attempt{BatchID: batch.ID, OperationIDs: batch.OperationIDs(), Err: err, At: at})
	return err
}

// Close marks the recorder closed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Attempts returns a copy of the recorded attempts.
func (r *Recorder) Attempts() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Attempt(nil), r.attempts...)
}

// Delivered returns the operation ids of acknowledged batches in delivery
// order.
func (r *Recorder) Delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.attempts {
		if a.Err == nil {
			out = append(out, a.OperationIDs...)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
