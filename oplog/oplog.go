// Package oplog is the entry point applications use to record business
// operations. Records are validated synchronously, queued in memory and
// shipped in batches by a background dispatcher.
//
//	client, err := oplog.New(oplog.Config{Application: "billing"}, oplog.WithTransport(tr))
//	if err != nil { ... }
//	client.Start()
//	defer client.Close()
//
//	id, err := client.LogOperation(ctx, oplog.Operation{
//		OperationType: "CREATE_INVOICE",
//		Operator:      "alice",
//		Target:        "invoice/42",
//	})
package oplog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/batcher"
	"github.com/example/operate-log-client/internal/dispatcher"
	"github.com/example/operate-log-client/internal/metrics"
	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/pipeline"
	"github.com/example/operate-log-client/internal/queue"
	"github.com/example/operate-log-client/internal/record"
	"github.com/example/operate-log-client/internal/transport"
)

// Operation carries the caller supplied fields of one operation.
type Operation = record.Params

// Record is a built operation record.
type Record = models.OperationRecord

// DeliveryFailedError is reported asynchronously for batches that could not
// be delivered.
type DeliveryFailedError = dispatcher.DeliveryFailedError

// Stats is a point-in-time view of the client.
type Stats = pipeline.Stats

// FailurePolicy selects what happens to undeliverable batches.
type FailurePolicy = dispatcher.FailurePolicy

const (
	FailurePolicyDrop    = dispatcher.FailurePolicyDrop
	FailurePolicyPersist = dispatcher.FailurePolicyPersist
)

// Errors returned synchronously by the client.
var (
	ErrValidation   = record.ErrValidation
	ErrQueueFull    = queue.ErrQueueFull
	ErrClientClosed = pipeline.ErrClientClosed
	ErrFlushTimeout = pipeline.ErrFlushTimeout
)

// Config is the flat configuration of a client. Zero values select the
// defaults of the underlying components.
type Config struct {
	Application string
	Environment string

	QueueCapacity int
	// BlockTimeout is how long LogOperation waits for queue space. Zero
	// rejects immediately when the queue is full.
	BlockTimeout time.Duration

	MaxBatchRecords int
	MaxBatchBytes   int
	MaxBatchWait    time.Duration

	SendTimeout       time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	FailurePolicy     FailurePolicy

	CloseTimeout time.Duration
	// Shards is the number of independent pipelines. Records are routed by
	// user id so ordering is kept per tenant.
	Shards int

	MaxDetailEntries int
	MaxKeyLen        int
}

func (c Config) pipeline() pipeline.Config {
	return pipeline.Config{
		QueueCapacity: c.QueueCapacity,
		BlockTimeout:  c.BlockTimeout,
		Batch: batcher.Config{
			MaxRecords: c.MaxBatchRecords,
			MaxBytes:   c.MaxBatchBytes,
			MaxWait:    c.MaxBatchWait,
		},
		Dispatch: dispatcher.Config{
			SendTimeout:   c.SendTimeout,
			MaxAttempts:   c.MaxAttempts,
			BaseBackoff:   c.BaseBackoff,
			MaxBackoff:    c.MaxBackoff,
			Multiplier:    c.BackoffMultiplier,
			Jitter:        c.BackoffJitter,
			FailurePolicy: c.FailurePolicy,
		},
		CloseTimeout: c.CloseTimeout,
	}
}

// TransportFactory builds the transport of one shard.
type TransportFactory func(shard int) (transport.Client, error)

// Option customises a Client.
type Option func(*options)

type options struct {
	transports TransportFactory
	logger     zerolog.Logger
	handler    func(*DeliveryFailedError)
	errCh      chan<- *DeliveryFailedError
	sink       dispatcher.Sink
	registerer prometheus.Registerer
	now        func() time.Time
	closers    []io.Closer
}

// WithTransport uses tr for delivery. It can only serve a single shard.
func WithTransport(tr transport.Client) Option {
	return func(o *options) {
		if tr == nil {
			return
		}
		used := false
		o.transports = func(shard int) (transport.Client, error) {
			if used {
				return nil, errors.New("oplog: WithTransport supports a single shard; use WithTransportFactory")
			}
			used = true
			return tr, nil
		}
	}
}

// WithTransportFactory builds one transport per shard.
func WithTransportFactory(fn TransportFactory) Option {
	return func(o *options) {
		if fn != nil {
			o.transports = fn
		}
	}
}

// WithLogger sets the logger used by the client and its components.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorHandler registers a callback for delivery failures. It runs on
// the dispatcher goroutine and should return quickly.
func WithErrorHandler(fn func(*DeliveryFailedError)) Option {
	return func(o *options) {
		o.handler = fn
	}
}

// WithErrorChannel delivers failures to ch without blocking. Notifications
// are dropped when ch is full.
func WithErrorChannel(ch chan<- *DeliveryFailedError) Option {
	return func(o *options) {
		o.errCh = ch
	}
}

// WithOverflowSink stores undeliverable batches in sink. It implies the
// persist failure policy unless one was configured explicitly.
func WithOverflowSink(sink dispatcher.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithMetrics registers the client's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithClock overrides the time source used for record timestamps and batch
// creation stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// withCloser hands ownership of c to the client; it is closed after the
// pipelines shut down.
func withCloser(c io.Closer) Option {
	return func(o *options) {
		if c != nil {
			o.closers = append(o.closers, c)
		}
	}
}

// Client records operations. It is safe for concurrent use.
type Client struct {
	builder *record.Builder
	shards  *pipeline.Sharded
	metrics *metrics.Collector
	logger  zerolog.Logger
	closers []io.Closer

	closeOnce sync.Once
	closeErr  error
}

// New constructs a client. Start must be called before records are
// delivered; records logged earlier stay queued.
func New(cfg Config, opts ...Option) (*Client, error) {
	settings := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}
	if settings.transports == nil {
		closeAll(settings.closers)
		return nil, errors.New("oplog: a transport is required")
	}

	logger := settings.logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	if cfg.FailurePolicy == "" && settings.sink != nil {
		cfg.FailurePolicy = FailurePolicyPersist
	}

	collector, err := metrics.New(settings.registerer)
	if err != nil {
		closeAll(settings.closers)
		return nil, fmt.Errorf("oplog: %w", err)
	}

	var builderOpts []record.Option
	if settings.now != nil {
		builderOpts = append(builderOpts, record.WithClock(settings.now))
	}
	builder := record.NewBuilder(record.Config{
		Application:      cfg.Application,
		Environment:      cfg.Environment,
		MaxDetailEntries: cfg.MaxDetailEntries,
		MaxKeyLen:        cfg.MaxKeyLen,
	}, builderOpts...)

	reporter := dispatcher.NewReporter(logger.With().Str("component", "reporter").Logger(), settings.handler, settings.errCh)

	shards, err := pipeline.NewSharded(cfg.Shards, cfg.pipeline(), func(shard int) (pipeline.Dependencies, error) {
		tr, err := settings.transports(shard)
		if err != nil {
			return pipeline.Dependencies{}, err
		}
		if tr == nil {
			return pipeline.Dependencies{}, errors.New("transport factory returned nil")
		}
		return pipeline.Dependencies{
			Transport: tr,
			Sink:      settings.sink,
			Reporter:  reporter,
			Metrics:   collector,
			Logger:    logger.With().Int("shard", shard).Logger(),
			Now:       settings.now,
		}, nil
	})
	if err != nil {
		closeAll(settings.closers)
		return nil, fmt.Errorf("oplog: %w", err)
	}

	return &Client{
		builder: builder,
		shards:  shards,
		metrics: collector,
		logger:  logger.With().Str("component", "oplog").Logger(),
		closers: settings.closers,
	}, nil
}

// Start launches the background delivery loops. Later calls are no-ops.
func (c *Client) Start() {
	c.shards.Start(context.Background())
}

// Build validates op and returns the record it would produce without
// queueing it.
func (c *Client) Build(op Operation) (*Record, error) {
	return c.builder.Build(op)
}

// LogOperation validates op, queues the resulting record and returns its
// operation id. It never waits on network I/O; it only blocks when a queue
// block timeout is configured and the queue is full.
func (c *Client) LogOperation(ctx context.Context, op Operation) (string, error) {
	if err := c.builder.Validate(op); err != nil {
		c.metrics.Rejected(metrics.RejectValidation)
		return "", err
	}

	rec, err := c.shards.Enqueue(ctx, strings.TrimSpace(op.UserID), func() (*models.OperationRecord, error) {
		return c.builder.Build(op)
	})
	if err != nil {
		return "", err
	}

	c.logger.Info().
		Str("operation_id", rec.OperationID).
		Str("operation_type", rec.OperationType).
		Str("operator", rec.Operator).
		Str("target", rec.Target).
		Str("status", rec.Status).
		Msg("oplog: operation logged")
	return rec.OperationID, nil
}

// LogBatch logs ops in order and stops at the first error. The ids of the
// operations accepted before the failure are returned with it.
func (c *Client) LogBatch(ctx context.Context, ops []Operation) ([]string, error) {
	ids := make([]string, 0, len(ops))
	for i, op := range ops {
		id, err := c.LogOperation(ctx, op)
		if err != nil {
			return ids, fmt.Errorf("oplog: operation %d of %d: %w", i+1, len(ops), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Flush sends partial batches and waits until every record accepted before
// the call is delivered or reported failed. It returns an error wrapping
// ErrFlushTimeout when timeout elapses first.
func (c *Client) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.FlushContext(ctx)
}

// FlushContext is Flush bounded by ctx.
func (c *Client) FlushContext(ctx context.Context) error {
	return c.shards.Flush(ctx)
}

// Close stops accepting records, flushes within the configured close
// timeout and releases the transports. Records still pending when the
// timeout expires are reported with reason shutdown. Close is idempotent.
func (c *Client) Close() error {
	return c.CloseContext(context.Background())
}

// CloseContext is Close bounded additionally by ctx.
func (c *Client) CloseContext(ctx context.Context) error {
	c.closeOnce.Do(func() {
		err := c.shards.Close(ctx)
		c.closeErr = errors.Join(err, closeAll(c.closers))
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool { return c.shards.Closed() }

// Stats returns counters summed over all shards.
func (c *Client) Stats() Stats { return c.shards.Stats() }

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
