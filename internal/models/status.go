package models

// Operation status values. Callers may use any short string; these are the
// ones the client itself produces.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusPartial = "PARTIAL"
)

// DefaultStatus is applied when a caller omits the status.
const DefaultStatus = StatusSuccess
