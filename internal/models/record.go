package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// OperationRecord is one logged business action. Records are produced by the
// record builder and must not be modified once they have been enqueued.
type OperationRecord struct {
	OperationID   string
	RequestID     string
	Timestamp     time.Time
	OperationType string
	Operator      string
	UserID        string
	SubuserID     string
	Target        string
	Status        string
	Details       Details
	SourceIP      string
	Application   string
	Environment   string
	TraceContext  Details
	// Extra holds caller supplied top-level fields. Keys never collide with
	// the reserved field names.
	Extra map[string]string
}

// ReservedFields lists the JSON field names owned by OperationRecord.
var ReservedFields = map[string]struct{}{
	"operation_id":   {},
	"request_id":     {},
	"timestamp":      {},
	"operation_type": {},
	"operator":       {},
	"user_id":        {},
	"subuser_id":     {},
	"target":         {},
	"status":         {},
	"details":        {},
	"source_ip":      {},
	"application":    {},
	"environment":    {},
	"trace_context":  {},
}

type wireRecord struct {
	OperationID   string  `json:"operation_id"`
	RequestID     string  `json:"request_id,omitempty"`
	Timestamp     string  `json:"timestamp"`
	OperationType string  `json:"operation_type"`
	Operator      string  `json:"operator"`
	UserID        string  `json:"user_id,omitempty"`
	SubuserID     string  `json:"subuser_id,omitempty"`
	Target        string  `json:"target"`
	Status        string  `json:"status"`
	Details       Details `json:"details"`
	SourceIP      string  `json:"source_ip,omitempty"`
	Application   string  `json:"application,omitempty"`
	Environment   string  `json:"environment,omitempty"`
	TraceContext  Details `json:"trace_context"`
}

// TenantKey returns the key used for partitioning and sharding: the user id
// when present, otherwise the operation id.
func (r *OperationRecord) TenantKey() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.OperationID
}

// MarshalJSON renders the record as a single self-describing JSON document.
func (r OperationRecord) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		OperationID:   r.OperationID,
		RequestID:     r.RequestID,
		Timestamp:     r.Timestamp.UTC().Format(time.RFC3339Nano),
		OperationType: r.OperationType,
		Operator:      r.Operator,
		UserID:        r.UserID,
		SubuserID:     r.SubuserID,
		Target:        r.Target,
		Status:        r.Status,
		Details:       r.Details,
		SourceIP:      r.SourceIP,
		Application:   r.Application,
		Environment:   r.Environment,
		TraceContext:  r.TraceContext,
	}
	doc, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("models: marshal operation record: %w", err)
	}
	if len(r.Extra) == 0 {
		return doc, nil
	}

	var buf bytes.Buffer
	buf.Write(doc[:len(doc)-1])
	for _, k := range sortedKeys(r.Extra) {
		if _, reserved := ReservedFields[k]; reserved {
			continue
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(r.Extra[k])
		buf.WriteByte(',')
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a document produced by MarshalJSON. Unknown string
// fields are collected into Extra.
func (r *OperationRecord) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("models: unmarshal operation record: %w", err)
	}

	var ts time.Time
	if w.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("models: invalid timestamp %q: %w", w.Timestamp, err)
		}
		ts = parsed.UTC()
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("models: unmarshal operation record: %w", err)
	}
	var extra map[string]string
	for k, raw := range all {
		if _, reserved := ReservedFields[k]; reserved {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[k] = s
	}

	*r = OperationRecord{
		OperationID:   w.OperationID,
		RequestID:     w.RequestID,
		Timestamp:     ts,
		OperationType: w.OperationType,
		Operator:      w.Operator,
		UserID:        w.UserID,
		SubuserID:     w.SubuserID,
		Target:        w.Target,
		Status:        w.Status,
		Details:       w.Details,
		SourceIP:      w.SourceIP,
		Application:   w.Application,
		Environment:   w.Environment,
		TraceContext:  w.TraceContext,
		Extra:         extra,
	}
	return nil
}
