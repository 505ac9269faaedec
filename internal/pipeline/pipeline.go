package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/batcher"
	"github.com/example/operate-log-client/internal/dispatcher"
	"github.com/example/operate-log-client/internal/metrics"
	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/queue"
	"github.com/example/operate-log-client/internal/transport"
)

const defaultCloseTimeout = 30 * time.Second

var (
	// ErrClientClosed is returned for enqueues after Close.
	ErrClientClosed = errors.New("pipeline: client closed")
	// ErrFlushTimeout is returned when Flush or Close gave up waiting for
	// accepted records to resolve.
	ErrFlushTimeout = errors.New("pipeline: flush timed out")
)

// Config holds the settings of one pipeline.
type Config struct {
	QueueCapacity int
	BlockTimeout  time.Duration
	Batch         batcher.Config
	Dispatch      dispatcher.Config
	CloseTimeout  time.Duration
}

// Dependencies collects the collaborators of one pipeline. The transport is
// owned by the pipeline and closed by Close.
type Dependencies struct {
	Transport transport.Client
	Sink      dispatcher.Sink
	Reporter  *dispatcher.Reporter
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
	// Now stamps batch creation times. Nil uses time.Now.
	Now       func() time.Time
}

// Stats is a point-in-time view of a pipeline.
type Stats struct {
	Accepted   int64
	Resolved   int64
	Pending    int64
	QueueDepth int
	State      string
}

// Pipeline wires a queue, batcher and dispatcher together and owns the
// background delivery goroutine.
type Pipeline struct {
	cfg        Config
	queue      *queue.Queue
	batcher    *batcher.Batcher
	dispatcher *dispatcher.Dispatcher
	transport  transport.Client
	metrics    *metrics.Collector
	logger     zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	accepted int64
	resolved int64

	closed    atomic.Bool
	startOnce sync.Once
	runCancel context.CancelFunc
	runDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New builds a pipeline. Start must be called before records are delivered.
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if deps.Transport == nil {
		return nil, errors.New("pipeline: transport dependency is required")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "pipeline").Logger()

	p := &Pipeline{
		cfg:       cfg,
		transport: deps.Transport,
		metrics:   deps.Metrics,
		logger:    logger,
		runDone:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.queue = queue.New(cfg.QueueCapacity, queue.WithBlockTimeout(cfg.BlockTimeout))
	p.batcher = batcher.New(p.queue, cfg.Batch,
		batcher.WithRejectHandler(func(rec *models.OperationRecord, err error) {
			p.dispatcher.Reject(rec, err)
		}),
		batcher.WithClock(deps.Now),
	)

	d, err := dispatcher.New(cfg.Dispatch, dispatcher.Dependencies{
		Source:     p.batcher,
		Transport:  deps.Transport,
		Sink:       deps.Sink,
		Reporter:   deps.Reporter,
		Metrics:    deps.Metrics,
		OnResolved: p.onResolved,
		Logger:     deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	p.dispatcher = d
	return p, nil
}

// Start launches the delivery goroutine. Later calls are no-ops. Cancelling
// ctx does not stop delivery; use Close.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		p.runCancel = cancel

		dcfg := p.dispatcher.Config()
		p.logger.Info().
			Int("queue_capacity", p.queue.Cap()).
			Int("batch_max_records", p.batcher.Config().MaxRecords).
			Int("batch_max_bytes", p.batcher.Config().MaxBytes).
			Dur("batch_max_wait", p.batcher.Config().MaxWait).
			Int("max_attempts", dcfg.MaxAttempts).
			Str("failure_policy", string(dcfg.FailurePolicy)).
			Msg("pipeline: starting delivery loop")

		go func() {
			defer close(p.runDone)
			if err := p.dispatcher.Run(runCtx); err != nil {
				p.logger.Error().Err(err).Msg("pipeline: delivery loop stopped with error")
			}
		}()
	})
}

// Enqueue reserves queue capacity and appends the record produced by build.
// The accepted count is updated under the queue lock, so a concurrent Flush
// either waits for the record or did not observe it at all.
func (p *Pipeline) Enqueue(ctx context.Context, build queue.BuildFunc) (*models.OperationRecord, error) {
	if p.closed.Load() {
		p.metrics.Rejected(metrics.RejectClosed)
		return nil, ErrClientClosed
	}

	rec, err := p.queue.EnqueueFunc(ctx, func() (*models.OperationRecord, error) {
		rec, err := build()
		if err != nil || rec == nil {
			return rec, err
		}
		p.mu.Lock()
		p.accepted++
		p.mu.Unlock()
		return rec, nil
	})
	switch {
	case err == nil:
		p.metrics.Accepted()
		p.metrics.SetQueueDepth(p.queue.Len())
		return rec, nil
	case errors.Is(err, queue.ErrClosed):
		p.metrics.Rejected(metrics.RejectClosed)
		return nil, ErrClientClosed
	case errors.Is(err, queue.ErrQueueFull):
		p.metrics.Rejected(metrics.RejectQueueFull)
		return nil, err
	default:
		return nil, err
	}
}

func (p *Pipeline) onResolved(n int) {
	p.mu.Lock()
	p.resolved += int64(n)
	p.cond.Broadcast()
	p.mu.Unlock()
	p.metrics.SetQueueDepth(p.queue.Len())
}

// Flush emits the partial batch and waits until every record accepted
// before the call has been delivered or reported failed. It returns an error
// wrapping ErrFlushTimeout when ctx ends first.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	target := p.accepted
	p.mu.Unlock()

	p.batcher.Flush()

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.resolved < target {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %d record(s) unresolved: %w", ErrFlushTimeout, target-p.resolved, err)
		}
		p.cond.Wait()
	}
	return nil
}

// Close stops accepting records, flushes within CloseTimeout, stops the
// delivery loop and closes the transport. Records still unresolved when the
// timeout expires are reported failed with reason shutdown before Close
// returns. Close is idempotent.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = p.close(ctx)
	})
	return p.closeErr
}

func (p *Pipeline) close(ctx context.Context) error {
	p.closed.Store(true)
	p.queue.Close()
	p.Start(ctx)

	flushCtx, cancel := context.WithTimeout(ctx, p.cfg.CloseTimeout)
	defer cancel()

	flushErr := p.Flush(flushCtx)
	if flushErr != nil {
		p.logger.Warn().Err(flushErr).Msg("pipeline: close flush did not complete; failing remaining records")
		p.runCancel()
	}
	<-p.runDone
	p.runCancel()

	if flushErr != nil {
		if n := p.dispatcher.FailRemaining(context.Background()); n > 0 {
			p.logger.Warn().Int("records", n).Msg("pipeline: reported undelivered records as shutdown failures")
		}
	}

	closeErr := p.transport.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("pipeline: close transport: %w", closeErr)
	}

	stats := p.Stats()
	p.logger.Info().
		Int64("accepted", stats.Accepted).
		Int64("resolved", stats.Resolved).
		Msg("pipeline: closed")

	return errors.Join(flushErr, closeErr)
}

// Closed reports whether Close has been called.
func (p *Pipeline) Closed() bool { return p.closed.Load() }

// Stats returns counters for the pipeline.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	accepted, resolved := p.accepted, p.resolved
	p.mu.Unlock()
	return Stats{
		Accepted:   accepted,
		Resolved:   resolved,
		Pending:    accepted - resolved,
		QueueDepth: p.queue.Len(),
		State:      p.dispatcher.State().String(),
	}
}
