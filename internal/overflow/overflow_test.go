package overflow_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/overflow"
	"github.com/example/operate-log-client/internal/transport"
)

func openStore(t *testing.T) *overflow.Store {
	t.Helper()
	s, err := overflow.Open(context.Background(), overflow.Config{
		Path: filepath.Join(t.TempDir(), "overflow.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func failure(batchID string, ids ...string) models.DeliveryFailure {
	f := models.DeliveryFailure{
		BatchID:       batchID,
		Reason:        models.FailureReasonExhausted,
		Attempts:      5,
		LastError:     "broker unavailable",
		FirstFailedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		LastAttemptAt: time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC),
	}
	for _, id := range ids {
		f.Records = append(f.Records, &models.OperationRecord{
			OperationID:   id,
			Timestamp:     time.Date(2024, 3, 1, 9, 59, 0, 0, time.UTC),
			OperationType: "CREATE_ORDER",
			Operator:      "alice",
			UserID:        "tenant-1",
			Target:        "order/" + id,
			Status:        models.StatusSuccess,
			Details:       models.NewDetails("amount", 42),
		})
	}
	return f
}

func TestPersistAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Persist(ctx, failure("b1", "a", "b")); err != nil {
		t.Fatalf("persist b1: %v", err)
	}
	if err := s.Persist(ctx, failure("b2", "c")); err != nil {
		t.Fatalf("persist b2: %v", err)
	}

	batches, records, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if batches != 2 || records != 3 {
		t.Fatalf("expected 2 batches / 3 records, got %d / %d", batches, records)
	}

	entries, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].BatchID != "b1" || entries[1].BatchID != "b2" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	first := entries[0]
	if first.Reason != models.FailureReasonExhausted || first.Attempts != 5 || first.LastError != "broker unavailable" {
		t.Fatalf("metadata not preserved: %+v", first)
	}
	if !first.FailedAt.Equal(time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC)) {
		t.Fatalf("unexpected failed_at %v", first.FailedAt)
	}
	if len(first.Records) != 2 || first.Records[0].OperationID != "a" || first.Records[1].OperationID != "b" {
		t.Fatalf("records not decoded in order: %+v", first.Records)
	}
	if first.Records[0].Target != "order/a" || first.Records[0].UserID != "tenant-1" {
		t.Fatalf("record fields lost: %+v", first.Records[0])
	}
	if v, ok := first.Records[0].Details.Get("amount"); !ok || v.Interface() != int64(42) {
		t.Fatalf("details lost: %+v", first.Records[0].Details.Map())
	}

	limited, err := s.List(ctx, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].BatchID != "b1" {
		t.Fatalf("limit not honoured: %+v", limited)
	}
}

func TestReplayDeletesDeliveredAndStopsAtFirstFailure(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, f := range []models.DeliveryFailure{failure("b1", "a"), failure("b2", "b"), failure("b3", "c")} {
		if err := s.Persist(ctx, f); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	unavailable := transport.WrapRetryable(errors.New("unavailable"))
	rec := transport.NewRecorder(nil, unavailable)

	n, err := s.Replay(ctx, rec, 0)
	if !errors.Is(err, transport.ErrRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 batch replayed, got %d", n)
	}

	attempts := rec.Attempts()
	if len(attempts) != 2 || attempts[0].BatchID != "b1" || attempts[1].BatchID != "b2" {
		t.Fatalf("unexpected attempts %+v", attempts)
	}

	batches, _, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if batches != 2 {
		t.Fatalf("expected 2 batches left, got %d", batches)
	}

	n, err = s.Replay(ctx, rec, 0)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected remaining 2 batches replayed, got %d", n)
	}
	if got := rec.Delivered(); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected delivery order %v", got)
	}
	if batches, _, _ := s.Pending(ctx); batches != 0 {
		t.Fatalf("expected empty store, got %d", batches)
	}
}

func TestReplayedBatchCarriesStoredPayloads(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.Persist(ctx, failure("b1", "a", "b")); err != nil {
		t.Fatalf("persist: %v", err)
	}

	var got *models.Batch
	client := transport.Func(func(ctx context.Context, batch *models.Batch) error {
		got = batch
		return nil
	})
	if _, err := s.Replay(ctx, client, 10); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got == nil || got.ID != "b1" || got.Len() != 2 {
		t.Fatalf("unexpected batch %+v", got)
	}
	if len(got.Payloads()) != 2 || got.Bytes() == 0 {
		t.Fatalf("payloads not restored")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := overflow.Open(context.Background(), overflow.Config{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestReopenKeepsStoredBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overflow.db")
	ctx := context.Background()

	s, err := overflow.Open(ctx, overflow.Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Persist(ctx, failure("b1", "a")); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = overflow.Open(ctx, overflow.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if batches, records, err := s.Pending(ctx); err != nil || batches != 1 || records != 1 {
		t.Fatalf("expected stored batch after reopen, got %d/%d (%v)", batches, records, err)
	}
}
