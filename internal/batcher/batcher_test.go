package batcher_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/operate-log-client/internal/batcher"
	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/queue"
)

func fill(t *testing.T, q *queue.Queue, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := q.Enqueue(context.Background(), &models.OperationRecord{OperationID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
}

func next(t *testing.T, b *batcher.Batcher, within time.Duration) *models.Batch {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	batch, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return batch
}

func ids(batch *models.Batch) string {
	return strings.Join(batch.OperationIDs(), ",")
}

func fixedSize(n int) func(*models.OperationRecord) ([]byte, error) {
	return func(rec *models.OperationRecord) ([]byte, error) {
		return make([]byte, n), nil
	}
}

func TestNextEmitsPartialBatchAfterMaxWait(t *testing.T) {
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{MaxRecords: 5, MaxWait: 150 * time.Millisecond})
	fill(t, q, "a", "b", "c")

	start := time.Now()
	batch := next(t, b, time.Second)
	elapsed := time.Since(start)

	if batch.Len() != 3 {
		t.Fatalf("expected one batch of 3, got %d", batch.Len())
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("partial batch emitted before max wait: %v", elapsed)
	}
	if batch.ID == "" {
		t.Fatalf("expected batch id")
	}
	if b.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", b.Pending())
	}
}

func TestNextSplitsOnRecordCount(t *testing.T) {
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{MaxRecords: 3, MaxWait: 50 * time.Millisecond})
	fill(t, q, "1", "2", "3", "4", "5", "6", "7")

	want := []string{"1,2,3", "4,5,6", "7"}
	for i, w := range want {
		batch := next(t, b, time.Second)
		if got := ids(batch); got != w {
			t.Fatalf("batch %d: got %s want %s", i, got, w)
		}
	}
}

func TestNextSplitsOnBytes(t *testing.T) {
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{MaxRecords: 100, MaxBytes: 100, MaxWait: 50 * time.Millisecond},
		batcher.WithEncoder(fixedSize(40)))
	fill(t, q, "a", "b", "c", "d", "e")

	for _, w := range []string{"a,b", "c,d", "e"} {
		batch := next(t, b, time.Second)
		if got := ids(batch); got != w {
			t.Fatalf("got %s want %s", got, w)
		}
		if batch.Bytes() > 100 {
			t.Fatalf("batch exceeded max bytes: %d", batch.Bytes())
		}
	}
}

func TestOversizeRecordIsRejected(t *testing.T) {
	q := queue.New(10)

	var mu sync.Mutex
	var rejected []string
	var rejectErr error
	b := batcher.New(q, batcher.Config{MaxBytes: 100, MaxWait: 30 * time.Millisecond},
		batcher.WithEncoder(func(rec *models.OperationRecord) ([]byte, error) {
			if rec.OperationID == "huge" {
				return make([]byte, 500), nil
			}
			return make([]byte, 10), nil
		}),
		batcher.WithRejectHandler(func(rec *models.OperationRecord, err error) {
			mu.Lock()
			defer mu.Unlock()
			rejected = append(rejected, rec.OperationID)
			rejectErr = err
		}))
	fill(t, q, "a", "huge", "b")

	batch := next(t, b, time.Second)
	if got := ids(batch); got != "a,b" {
		t.Fatalf("got %s", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(rejected) != 1 || rejected[0] != "huge" {
		t.Fatalf("expected huge to be rejected, got %v", rejected)
	}
	if !errors.Is(rejectErr, batcher.ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got %v", rejectErr)
	}
}

func TestEncodeErrorDoesNotStallBatch(t *testing.T) {
	q := queue.New(10)
	boom := errors.New("boom")

	var rejected []string
	b := batcher.New(q, batcher.Config{MaxRecords: 2, MaxWait: time.Hour},
		batcher.WithEncoder(func(rec *models.OperationRecord) ([]byte, error) {
			if rec.OperationID == "bad" {
				return nil, boom
			}
			return []byte(`{}`), nil
		}),
		batcher.WithRejectHandler(func(rec *models.OperationRecord, err error) {
			if !errors.Is(err, boom) {
				t.Errorf("unexpected reject error %v", err)
			}
			rejected = append(rejected, rec.OperationID)
		}))
	fill(t, q, "a", "bad", "b")

	batch := next(t, b, time.Second)
	if got := ids(batch); got != "a,b" {
		t.Fatalf("got %s", got)
	}
	if fmt.Sprint(rejected) != "[bad]" {
		t.Fatalf("unexpected rejects %v", rejected)
	}
}

func TestFlushEmitsPartialBatchImmediately(t *testing.T) {
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{MaxRecords: 100, MaxWait: time.Hour})
	fill(t, q, "a", "b")

	result := make(chan *models.Batch, 1)
	go func() {
		batch, err := b.Next(context.Background())
		if err != nil {
			t.Errorf("next: %v", err)
		}
		result <- batch
	}()

	time.Sleep(20 * time.Millisecond)
	b.Flush()

	select {
	case batch := <-result:
		if batch.Len() != 2 {
			t.Fatalf("expected flushed batch of 2, got %d", batch.Len())
		}
	case <-time.After(time.Second):
		t.Fatalf("flush did not emit the partial batch")
	}
}

func TestRecordsAfterFlushWaitForTriggers(t *testing.T) {
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{MaxRecords: 5, MaxWait: time.Hour})
	fill(t, q, "a")
	b.Flush()

	if batch := next(t, b, time.Second); ids(batch) != "a" {
		t.Fatalf("expected flushed batch a, got %s", ids(batch))
	}

	fill(t, q, "b")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	batch, err := b.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("record after flush emitted without a trigger: batch=%v err=%v", batch, err)
	}

	fill(t, q, "c", "d", "e", "f")
	if batch := next(t, b, time.Second); ids(batch) != "b,c,d,e,f" {
		t.Fatalf("expected count-triggered batch b..f, got %s", ids(batch))
	}
}

func TestFlushCoversQueuedRecordsAcrossBatches(t *testing.T) {
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{MaxRecords: 2, MaxWait: time.Hour})
	fill(t, q, "1", "2", "3")
	b.Flush()

	want := []string{"1,2", "3"}
	for i, w := range want {
		if got := ids(next(t, b, time.Second)); got != w {
			t.Fatalf("batch %d: got %s want %s", i, got, w)
		}
	}
}

func TestClockStampsBatches(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{MaxRecords: 2, MaxWait: time.Hour}, batcher.WithClock(func() time.Time { return stamp }))
	fill(t, q, "a", "b")

	batch := next(t, b, time.Second)
	if !batch.CreatedAt.Equal(stamp) {
		t.Fatalf("expected batch stamped %s, got %s", stamp, batch.CreatedAt)
	}
}

func TestNextDrainsAfterClose(t *testing.T) {
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{MaxRecords: 100, MaxWait: time.Hour})
	fill(t, q, "a", "b")
	q.Close()

	batch := next(t, b, time.Second)
	if batch.Len() != 2 {
		t.Fatalf("expected remaining records, got %d", batch.Len())
	}
	if _, err := b.Next(context.Background()); !errors.Is(err, batcher.ErrDrained) {
		t.Fatalf("expected ErrDrained, got %v", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	q := queue.New(10)
	b := batcher.New(q, batcher.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := batcher.Config{}.WithDefaults()
	if cfg.MaxRecords != 500 || cfg.MaxBytes != 1<<20 || cfg.MaxWait != 2*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
