package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/transport"
)

const namespace = "oplog"

// Rejection reasons for records refused at enqueue time.
const (
	RejectValidation = "validation"
	RejectQueueFull  = "queue_full"
	RejectClosed     = "closed"
)

// Collector holds the client's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	accepted     prometheus.Counter
	rejected     *prometheus.CounterVec // reason: validation, queue_full, closed
	delivered    prometheus.Counter
	failed       *prometheus.CounterVec // reason: fatal, exhausted, shutdown
	batchesSent  prometheus.Counter
	sendAttempts *prometheus.CounterVec // result: ack, retryable, fatal
	queueDepth   prometheus.Gauge

	sendDuration prometheus.Histogram
	batchRecords prometheus.Histogram
}

// New creates the metrics and registers them with reg. A nil registerer
// returns a nil Collector, disabling metrics.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		return nil, nil
	}

	c := &Collector{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_accepted_total",
			Help:      "Total number of operation records accepted into the queue",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Total number of operation records refused at enqueue time",
		}, []string{"reason"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_delivered_total",
			Help:      "Total number of operation records acknowledged by the transport",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Total number of operation records reported as undeliverable",
		}, []string{"reason"}),
		batchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_sent_total",
			Help:      "Total number of batches acknowledged by the transport",
		}),
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Total number of transport send attempts by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of records waiting in the queue",
		}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Transport send duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		batchRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_records",
			Help:      "Number of records per delivered batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
	}

	collectors := []prometheus.Collector{
		c.accepted, c.rejected, c.delivered, c.failed, c.batchesSent,
		c.sendAttempts, c.queueDepth, c.sendDuration, c.batchRecords,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return nil, errors.New("metrics: oplog collectors already registered; use a dedicated registry per client")
			}
			return nil, err
		}
	}

	return c, nil
}

// Accepted records one record entering the queue.
func (c *Collector) Accepted() {
	if c == nil {
		return
	}
	c.accepted.Inc()
}

// Rejected records one record refused at enqueue time.
func (c *Collector) Rejected(reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// ObserveAttempt records one send attempt.
func (c *Collector) ObserveAttempt(result transport.Result, d time.Duration) {
	if c == nil {
		return
	}
	c.sendAttempts.WithLabelValues(result.String()).Inc()
	c.sendDuration.Observe(d.Seconds())
}

// ObserveDelivered records an acknowledged batch.
func (c *Collector) ObserveDelivered(batch *models.Batch) {
	if c == nil {
		return
	}
	c.batchesSent.Inc()
	c.delivered.Add(float64(batch.Len()))
	c.batchRecords.Observe(float64(batch.Len()))
}

// ObserveFailed records records that reached the Failed state.
func (c *Collector) ObserveFailed(reason models.FailureReason, records int) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(string(reason)).Add(float64(records))
}
