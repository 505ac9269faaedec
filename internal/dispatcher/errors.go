package dispatcher

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/models"
)

// DeliveryFailedError describes a batch that reached the Failed state. It
// unwraps to the last transport error.
type DeliveryFailedError struct {
	BatchID       string
	Reason        models.FailureReason
	Attempts      int
	Records       []*models.OperationRecord
	Err           error
	FirstFailedAt time.Time
	LastAttemptAt time.Time
	// PersistErr is set when the failure policy asked for the batch to be
	// written to the overflow sink and that write failed.
	PersistErr error
}

func (e *DeliveryFailedError) Error() string {
	msg := fmt.Sprintf("dispatcher: batch %s failed (%s) after %d attempt(s), %d record(s)", e.BatchID, e.Reason, e.Attempts, len(e.Records))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.PersistErr != nil {
		msg += "; overflow persist failed: " + e.PersistErr.Error()
	}
	return msg
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }

// Failure converts the error into the document written to overflow sinks.
func (e *DeliveryFailedError) Failure() models.DeliveryFailure {
	f := models.DeliveryFailure{
		BatchID:       e.BatchID,
		Reason:        e.Reason,
		Attempts:      e.Attempts,
		FirstFailedAt: e.FirstFailedAt,
		LastAttemptAt: e.LastAttemptAt,
		Records:       e.Records,
	}
	if e.Err != nil {
		f.LastError = e.Err.Error()
	}
	return f
}

// Reporter fans delivery failures out to an optional callback and an
// optional channel. Channel sends never block; when the channel is full the
// notification is dropped and a warning is logged.
type Reporter struct {
	handler func(*DeliveryFailedError)
	ch      chan<- *DeliveryFailedError
	logger  zerolog.Logger
}

// NewReporter constructs a Reporter. Both handler and ch may be nil.
func NewReporter(logger zerolog.Logger, handler func(*DeliveryFailedError), ch chan<- *DeliveryFailedError) *Reporter {
	return &Reporter{handler: handler, ch: ch, logger: logger}
}

// Report delivers err to the configured destinations. It never panics.
func (r *Reporter) Report(err *DeliveryFailedError) {
	if r == nil || err == nil {
		return
	}

	r.logger.Error().
		Str("batch_id", err.BatchID).
		Str("reason", string(err.Reason)).
		Int("attempts", err.Attempts).
		Int("records", len(err.Records)).
		Err(err.Err).
		Msg("dispatcher: batch delivery failed")

	if r.handler != nil {
		r.callHandler(err)
	}
	if r.ch != nil {
		select {
		case r.ch <- err:
		default:
			r.logger.Warn().
				Str("batch_id", err.BatchID).
				Msg("dispatcher: error channel full; dropping failure notification")
		}
	}
}

func (r *Reporter) callHandler(err *DeliveryFailedError) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("batch_id", err.BatchID).
				Interface("panic", p).
				Msg("dispatcher: error handler panicked")
		}
	}()
	r.handler(err)
}
