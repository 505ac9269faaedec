package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/batcher"
	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/transport"
)

const (
	defaultSendTimeout = 10 * time.Second
	defaultMaxAttempts = 5
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
	defaultMultiplier  = 2.0
	defaultJitter      = 0.2
)

// State is the delivery state of the batch currently owned by the
// dispatcher.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateSuccess
	StateRetryWait
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateSuccess:
		return "success"
	case StateRetryWait:
		return "retry_wait"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what happens to a batch that reached Failed.
type FailurePolicy string

const (
	// FailurePolicyDrop reports the failure and discards the records.
	FailurePolicyDrop FailurePolicy = "drop"
	// FailurePolicyPersist reports the failure and writes the records to the
	// overflow sink.
	FailurePolicyPersist FailurePolicy = "persist"
)

// ParseFailurePolicy maps a configuration string onto a policy.
func ParseFailurePolicy(v string) (FailurePolicy, error) {
	switch FailurePolicy(v) {
	case "", FailurePolicyDrop:
		return FailurePolicyDrop, nil
	case FailurePolicyPersist:
		return FailurePolicyPersist, nil
	default:
		return "", fmt.Errorf("dispatcher: unknown failure policy %q", v)
	}
}

// Config contains the delivery settings.
type Config struct {
	SendTimeout   time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Multiplier    float64
	Jitter        float64
	FailurePolicy FailurePolicy
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = defaultJitter
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailurePolicyDrop
	}
	return c
}

// Source yields batches. *batcher.Batcher satisfies it.
type Source interface {
	Next(ctx context.Context) (*models.Batch, error)
}

// Sink stores failed batches for later replay.
type Sink interface {
	Persist(ctx context.Context, failure models.DeliveryFailure) error
}

// Metrics receives delivery observations.
type Metrics interface {
	ObserveAttempt(result transport.Result, d time.Duration)
	ObserveDelivered(batch *models.Batch)
	ObserveFailed(reason models.FailureReason, records int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAttempt(transport.Result, time.Duration) {}
func (nopMetrics) ObserveDelivered(*models.Batch)                  {}
func (nopMetrics) ObserveFailed(models.FailureReason, int)         {}

// Dependencies collects the collaborators used by the dispatcher.
type Dependencies struct {
	Source    Source
	Transport transport.Client
	Sink      Sink
	Reporter  *Reporter
	Metrics   Metrics
	// OnResolved is called with the record count of every batch that
	// reached a terminal outcome, delivered or failed.
	OnResolved func(records int)
	Logger     zerolog.Logger
	Now        func() time.Time
	// Rand returns a uniform value in [0,1) used for jitter.
	Rand func() float64
}

// Dispatcher owns one batch at a time and drives it through send, retry and
// failure handling.
type Dispatcher struct {
	cfg        Config
	source     Source
	transport  transport.Client
	sink       Sink
	reporter   *Reporter
	metrics    Metrics
	onResolved func(int)
	logger     zerolog.Logger
	now        func() time.Time
	rand       func() float64

	state atomic.Int32
}

// New constructs a dispatcher.
func New(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if deps.Source == nil {
		return nil, errors.New("dispatcher: source dependency is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("dispatcher: transport dependency is required")
	}
	cfg = cfg.WithDefaults()
	if cfg.FailurePolicy == FailurePolicyPersist && deps.Sink == nil {
		return nil, errors.New("dispatcher: persist failure policy requires an overflow sink")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "dispatcher").Logger()

	d := &Dispatcher{
		cfg:        cfg,
		source:     deps.Source,
		transport:  deps.Transport,
		sink:       deps.Sink,
		reporter:   deps.Reporter,
		metrics:    deps.Metrics,
		onResolved: deps.OnResolved,
		logger:     logger,
		now:        deps.Now,
		rand:       deps.Rand,
	}
	if d.reporter == nil {
		d.reporter = NewReporter(logger, nil, nil)
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	if d.onResolved == nil {
		d.onResolved = func(int) {}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.rand == nil {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		d.rand = rnd.Float64
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// State reports the current state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

func (d *Dispatcher) setState(s State) { d.state.Store(int32(s)) }

// Run pulls batches from the source until it is drained or ctx is
// cancelled. A batch in flight when ctx is cancelled is reported as failed
// with reason shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Debug().Msg("dispatcher: loop started")
	defer d.logger.Debug().Msg("dispatcher: loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := d.source.Next(ctx)
		if err != nil {
			if errors.Is(err, batcher.ErrDrained) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatcher: next batch: %w", err)
		}
		d.deliver(ctx, batch)
	}
}

// FailRemaining reports every batch the source can still produce as failed
// with reason shutdown. It is used after Run was stopped early; the source
// must no longer accept records.
func (d *Dispatcher) FailRemaining(ctx context.Context) int {
	n := 0
	for {
		batch, err := d.source.Next(ctx)
		if err != nil {
			return n
		}
		now := d.now()
		n += batch.Len()
		d.fail(batch, models.FailureReasonShutdown, 0, errors.New("client closed before delivery"), now, now)
	}
}

// Reject reports a single record that could not be batched as a fatal
// failure.
func (d *Dispatcher) Reject(rec *models.OperationRecord, err error) {
	now := d.now()
	batch := models.NewBatch(batcher.NewBatchID(), now)
	batch.Add(rec, nil)
	d.fail(batch, models.FailureReasonFatal, 0, transport.WrapFatal(err), now, now)
}

func (d *Dispatcher) deliver(ctx context.Context, batch *models.Batch) {
	attempt := 1
	var firstFailedAt time.Time
	var prevBackoff time.Duration

	for {
		d.setState(StateSending)
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		start := d.now()
		err := d.transport.Send(sendCtx, batch)
		cancel()
		now := d.now()
		duration := now.Sub(start)
		result := transport.Classify(err)
		d.metrics.ObserveAttempt(result, duration)

		logEvent := d.logger.With().
			Str("batch_id", batch.ID).
			Int("records", batch.Len()).
			Int("attempt", attempt).
			Dur("duration", duration).
			Logger()

		if result == transport.ResultAck {
			d.setState(StateSuccess)
			logEvent.Debug().Msg("dispatcher: batch delivered")
			d.metrics.ObserveDelivered(batch)
			d.onResolved(batch.Len())
			d.setState(StateIdle)
			return
		}

		if firstFailedAt.IsZero() {
			firstFailedAt = now
		}

		if ctx.Err() != nil {
			d.fail(batch, models.FailureReasonShutdown, attempt, err, firstFailedAt, now)
			return
		}
		if result == transport.ResultFatal {
			d.fail(batch, models.FailureReasonFatal, attempt, err, firstFailedAt, now)
			return
		}
		if attempt >= d.cfg.MaxAttempts {
			d.fail(batch, models.FailureReasonExhausted, attempt, err, firstFailedAt, now)
			return
		}

		backoff := d.nextBackoff(attempt, prevBackoff)
		prevBackoff = backoff
		logEvent.Warn().Err(err).Dur("backoff", backoff).Msg("dispatcher: scheduling retry after retryable error")

		d.setState(StateRetryWait)
		if !wait(ctx, backoff) {
			d.fail(batch, models.FailureReasonShutdown, attempt, err, firstFailedAt, now)
			return
		}
		attempt++
	}
}

func (d *Dispatcher) fail(batch *models.Batch, reason models.FailureReason, attempts int, cause error, firstFailedAt, lastAttemptAt time.Time) {
	d.setState(StateFailed)

	failure := &DeliveryFailedError{
		BatchID:       batch.ID,
		Reason:        reason,
		Attempts:      attempts,
		Records:       batch.Records,
		Err:           cause,
		FirstFailedAt: firstFailedAt,
		LastAttemptAt: lastAttemptAt,
	}

	if d.cfg.FailurePolicy == FailurePolicyPersist && d.sink != nil {
		// The run context may already be cancelled during shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		if err := d.sink.Persist(ctx, failure.Failure()); err != nil {
			failure.PersistErr = err
		}
		cancel()
	}

	d.metrics.ObserveFailed(reason, batch.Len())
	d.reporter.Report(failure)
	d.onResolved(batch.Len())
	d.setState(StateIdle)
}

// nextBackoff returns base*multiplier^(attempt-1) capped at MaxBackoff with
// a jitter factor in [1-J, 1+J], never shorter than prev.
func (d *Dispatcher) nextBackoff(attempt int, prev time.Duration) time.Duration {
	raw := float64(d.cfg.BaseBackoff) * math.Pow(d.cfg.Multiplier, float64(attempt-1))
	if raw > float64(d.cfg.MaxBackoff) {
		raw = float64(d.cfg.MaxBackoff)
	}

	factor := 1 - d.cfg.Jitter + 2*d.cfg.Jitter*d.rand()
	next := time.Duration(raw * factor)
	if next > d.cfg.MaxBackoff {
		next = d.cfg.MaxBackoff
	}
	if next < prev {
		next = prev
	}
	return next
}

// Backoffs returns the delays scheduled before each retry of a batch that
// fails on every attempt.
func (d *Dispatcher) Backoffs() []time.Duration {
	out := make([]time.Duration, 0, d.cfg.MaxAttempts-1)
	var prev time.Duration
	for attempt := 1; attempt < d.cfg.MaxAttempts; attempt++ {
		prev = d.nextBackoff(attempt, prev)
		out = append(out, prev)
	}
	return out
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
