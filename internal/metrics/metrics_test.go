package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/operate-log-client/internal/metrics"
	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/transport"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c.Accepted()
	c.Accepted()
	c.Rejected(metrics.RejectQueueFull)
	c.SetQueueDepth(7)
	c.ObserveAttempt(transport.ResultRetryable, 10*time.Millisecond)
	c.ObserveAttempt(transport.ResultAck, 5*time.Millisecond)

	batch := models.NewBatch("b", time.Now())
	batch.Add(&models.OperationRecord{OperationID: "1"}, nil)
	batch.Add(&models.OperationRecord{OperationID: "2"}, nil)
	c.ObserveDelivered(batch)
	c.ObserveFailed(models.FailureReasonExhausted, 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += "{" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				values[name] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}

	want := map[string]float64{
		"oplog_records_accepted_total":             2,
		"oplog_records_rejected_total{queue_full}": 1,
		"oplog_queue_depth":                        7,
		"oplog_send_attempts_total{retryable}":     1,
		"oplog_send_attempts_total{ack}":           1,
		"oplog_send_duration_seconds":              2,
		"oplog_batches_sent_total":                 1,
		"oplog_records_delivered_total":            2,
		"oplog_batch_records":                      1,
		"oplog_records_failed_total{exhausted}":    3,
	}
	for name, v := range want {
		if values[name] != v {
			t.Fatalf("%s: got %v want %v", name, values[name], v)
		}
	}
	if n := testutil.CollectAndCount(reg); n == 0 {
		t.Fatalf("expected registered collectors")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	c, err := metrics.New(nil)
	if err != nil || c != nil {
		t.Fatalf("expected nil collector without registerer, got %v %v", c, err)
	}
	c.Accepted()
	c.Rejected(metrics.RejectClosed)
	c.SetQueueDepth(1)
	c.ObserveAttempt(transport.ResultFatal, time.Second)
	c.ObserveDelivered(models.NewBatch("b", time.Now()))
	c.ObserveFailed(models.FailureReasonFatal, 1)
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := metrics.New(reg); err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := metrics.New(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
