package models

import "time"

// Batch is an ordered group of records delivered atomically. A batch is
// created by the batcher and owned by the dispatcher until its outcome is
// resolved; it is never split.
type Batch struct {
	ID        string
	CreatedAt time.Time
	Records   []*OperationRecord

	payloads [][]byte
	bytes    int
}

// NewBatch returns an empty batch.
func NewBatch(id string, createdAt time.Time) *Batch {
	return &Batch{ID: id, CreatedAt: createdAt}
}

// Add appends a record together with its serialized form.
func (b *Batch) Add(rec *OperationRecord, payload []byte) {
	b.Records = append(b.Records, rec)
	b.payloads = append(b.payloads, payload)
	b.bytes += len(payload)
}

// Len returns the number of records.
func (b *Batch) Len() int { return len(b.Records) }

// Bytes returns the accumulated serialized size of the records.
func (b *Batch) Bytes() int { return b.bytes }

// Payloads returns the serialized records, one JSON document each, in batch
// order. The returned slices must not be modified.
func (b *Batch) Payloads() [][]byte { return b.payloads }

// OperationIDs lists record ids in batch order.
func (b *Batch) OperationIDs() []string {
	ids := make([]string, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.OperationID
	}
	return ids
}
