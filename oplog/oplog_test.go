package oplog_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/config"
	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/overflow"
	"github.com/example/operate-log-client/internal/transport"
	"github.com/example/operate-log-client/oplog"
)

func op(target string) oplog.Operation {
	return oplog.Operation{
		OperationType: "UPDATE_ORDER",
		Operator:      "alice",
		Target:        target,
		UserID:        "tenant-1",
		Details:       models.NewDetails("field", "status"),
	}
}

func fastConfig() oplog.Config {
	return oplog.Config{
		Application:  "billing",
		Environment:  "test",
		MaxBatchWait: 10 * time.Millisecond,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestLogOperationDeliversAndLogsLocally(t *testing.T) {
	rec := transport.NewRecorder()
	var out syncBuffer
	client, err := oplog.New(fastConfig(), oplog.WithTransport(rec), oplog.WithLogger(zerolog.New(&out)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Start()

	id, err := client.LogOperation(context.Background(), op("order/1"))
	if err != nil {
		t.Fatalf("log operation: %v", err)
	}
	if id == "" {
		t.Fatalf("expected operation id")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	delivered := rec.Delivered()
	if len(delivered) != 1 || delivered[0] != id {
		t.Fatalf("expected %s delivered, got %v", id, delivered)
	}
	if !strings.Contains(out.String(), "oplog: operation logged") || !strings.Contains(out.String(), id) {
		t.Fatalf("expected local log line for %s, got %s", id, out.String())
	}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if n := strings.Count(line, `"component":`); n > 1 {
			t.Fatalf("log line carries %d component fields: %s", n, line)
		}
	}
	if !rec.Closed() {
		t.Fatalf("expected transport closed")
	}
}

func TestLogOperationValidation(t *testing.T) {
	client, err := oplog.New(fastConfig(), oplog.WithTransport(transport.NewRecorder()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	_, err = client.LogOperation(context.Background(), oplog.Operation{OperationType: "X", Operator: " "})
	if !errors.Is(err, oplog.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if st := client.Stats(); st.Accepted != 0 {
		t.Fatalf("invalid operation must not be accepted, got %+v", st)
	}
}

func TestBuildDoesNotQueue(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client, err := oplog.New(fastConfig(), oplog.WithTransport(transport.NewRecorder()), oplog.WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	rec, err := client.Build(op("order/1"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rec.Application != "billing" || rec.Environment != "test" || !rec.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Status != models.StatusSuccess {
		t.Fatalf("expected default status, got %s", rec.Status)
	}
	if st := client.Stats(); st.Accepted != 0 {
		t.Fatalf("build must not enqueue, got %+v", st)
	}
}

func TestLogBatchStopsAtFirstError(t *testing.T) {
	client, err := oplog.New(fastConfig(), oplog.WithTransport(transport.NewRecorder()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Start()
	defer client.Close()

	ids, err := client.LogBatch(context.Background(), []oplog.Operation{
		op("order/1"),
		op("order/2"),
		{OperationType: "UPDATE_ORDER", Operator: "alice"},
		op("order/4"),
	})
	if !errors.Is(err, oplog.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected ids of the first two operations, got %v", ids)
	}
	if !strings.Contains(err.Error(), "operation 3 of 4") {
		t.Fatalf("expected failing position in error, got %v", err)
	}
}

func TestRetryableTwiceThenSuccess(t *testing.T) {
	unavailable := transport.WrapRetryable(errors.New("unavailable"))
	rec := transport.NewRecorder(unavailable, unavailable)
	var failures []*oplog.DeliveryFailedError
	client, err := oplog.New(fastConfig(), oplog.WithTransport(rec), oplog.WithErrorHandler(func(e *oplog.DeliveryFailedError) {
		failures = append(failures, e)
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Start()

	id, err := client.LogOperation(context.Background(), op("order/1"))
	if err != nil {
		t.Fatalf("log operation: %v", err)
	}
	if err := client.Flush(2 * time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if n := len(rec.Attempts()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if d := rec.Delivered(); len(d) != 1 || d[0] != id {
		t.Fatalf("expected one delivery of %s, got %v", id, d)
	}
	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %v", failures)
	}
}

func TestFatalFailureReachesChannelAndSink(t *testing.T) {
	store, err := overflow.Open(context.Background(), overflow.Config{Path: filepath.Join(t.TempDir(), "overflow.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	rejected := transport.WrapFatal(errors.New("forbidden"))
	ch := make(chan *oplog.DeliveryFailedError, 1)
	client, err := oplog.New(fastConfig(),
		oplog.WithTransport(transport.NewRecorder(rejected)),
		oplog.WithErrorChannel(ch),
		oplog.WithOverflowSink(store),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Start()

	id, err := client.LogOperation(context.Background(), op("order/1"))
	if err != nil {
		t.Fatalf("log operation: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case failure := <-ch:
		if failure.Reason != models.FailureReasonFatal || failure.Attempts != 1 {
			t.Fatalf("unexpected failure %+v", failure)
		}
		if !errors.Is(failure, transport.ErrFatal) {
			t.Fatalf("expected failure to unwrap to ErrFatal")
		}
	default:
		t.Fatalf("expected a failure on the channel")
	}

	entries, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || len(entries[0].Records) != 1 || entries[0].Records[0].OperationID != id {
		t.Fatalf("expected failed record persisted, got %+v", entries)
	}
}

func TestLogAfterCloseFails(t *testing.T) {
	client, err := oplog.New(fastConfig(), oplog.WithTransport(transport.NewRecorder()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Start()
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !client.Closed() {
		t.Fatalf("expected client closed")
	}
	if _, err := client.LogOperation(context.Background(), op("order/1")); !errors.Is(err, oplog.ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestQueueFullIsImmediate(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueCapacity = 1
	client, err := oplog.New(cfg, oplog.WithTransport(transport.NewRecorder()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if _, err := client.LogOperation(context.Background(), op("order/1")); err != nil {
		t.Fatalf("first operation: %v", err)
	}
	start := time.Now()
	if _, err := client.LogOperation(context.Background(), op("order/2")); !errors.Is(err, oplog.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("full queue must reject without waiting")
	}
}

func TestShardedTransportsNeedFactory(t *testing.T) {
	cfg := fastConfig()
	cfg.Shards = 2
	if _, err := oplog.New(cfg, oplog.WithTransport(transport.NewRecorder())); err == nil {
		t.Fatalf("expected error when one transport is shared by two shards")
	}

	var mu sync.Mutex
	built := 0
	client, err := oplog.New(cfg, oplog.WithTransportFactory(func(int) (transport.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		built++
		return transport.NewRecorder(), nil
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()
	if built != 2 {
		t.Fatalf("expected one transport per shard, got %d", built)
	}
}

func TestNewRequiresTransport(t *testing.T) {
	if _, err := oplog.New(fastConfig()); err == nil {
		t.Fatalf("expected error without transport")
	}
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	client, err := oplog.New(fastConfig(), oplog.WithTransport(transport.NewRecorder()), oplog.WithMetrics(reg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Start()
	if _, err := client.LogOperation(context.Background(), op("order/1")); err != nil {
		t.Fatalf("log operation: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[mf.GetName()] += c.GetValue()
			}
		}
	}
	if values["oplog_records_accepted_total"] != 1 || values["oplog_records_delivered_total"] != 1 {
		t.Fatalf("unexpected metric values %v", values)
	}
}

func TestConfigFromEnv(t *testing.T) {
	c := &config.Config{}
	c.Client.Application = "billing"
	c.Client.Environment = "prod"
	c.Client.Shards = 3
	c.Queue.Capacity = 42
	c.Batch.MaxWait = time.Second
	c.Retry.MaxAttempts = 7
	c.Overflow.FailurePolicy = "persist"

	got := oplog.ConfigFromEnv(c)
	if got.Application != "billing" || got.Environment != "prod" || got.Shards != 3 {
		t.Fatalf("unexpected identity mapping %+v", got)
	}
	if got.QueueCapacity != 42 || got.MaxBatchWait != time.Second || got.MaxAttempts != 7 {
		t.Fatalf("unexpected limits mapping %+v", got)
	}
	if got.FailurePolicy != oplog.FailurePolicyPersist {
		t.Fatalf("unexpected failure policy %s", got.FailurePolicy)
	}
}
