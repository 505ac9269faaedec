package models

import "time"

// FailureReason classifies why a batch could not be delivered.
type FailureReason string

const (
	// FailureReasonFatal is used when the transport rejected the batch
	// permanently.
	FailureReasonFatal FailureReason = "fatal"
	// FailureReasonExhausted captures retryable failures that used up the
	// configured attempt budget.
	FailureReasonExhausted FailureReason = "exhausted"
	// FailureReasonShutdown is reported for batches still unresolved when
	// the pipeline was torn down.
	FailureReasonShutdown FailureReason = "shutdown"
)

// DeliveryFailure is the payload handed to error reporters and overflow
// sinks for a batch that reached the Failed state.
type DeliveryFailure struct {
	BatchID       string             `json:"batch_id"`
	Reason        FailureReason      `json:"reason"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error,omitempty"`
	FirstFailedAt time.Time          `json:"first_failed_at"`
	LastAttemptAt time.Time          `json:"last_attempt_at"`
	Records       []*OperationRecord `json:"records"`
}

// OperationIDs lists the ids of the failed records in batch order.
func (f DeliveryFailure) OperationIDs() []string {
	ids := make([]string, len(f.Records))
	for i, r := range f.Records {
		ids[i] = r.OperationID
	}
	return ids
}
