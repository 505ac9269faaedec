package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"golang.org/x/sync/errgroup"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/queue"
)

// DependencyFunc returns the dependencies of shard i. Each shard needs its
// own transport because a transport is only driven by one goroutine.
type DependencyFunc func(shard int) (Dependencies, error)

// Sharded runs independent pipelines and routes records by tenant key, so
// ordering is preserved per tenant while tenants are delivered in parallel.
type Sharded struct {
	shards []*Pipeline
}

// NewSharded builds n pipelines sharing cfg. n below one is treated as one.
func NewSharded(n int, cfg Config, deps DependencyFunc) (*Sharded, error) {
	if n < 1 {
		n = 1
	}
	s := &Sharded{shards: make([]*Pipeline, 0, n)}
	for i := 0; i < n; i++ {
		d, err := deps(i)
		if err != nil {
			s.closeBuilt()
			return nil, fmt.Errorf("pipeline: shard %d dependencies: %w", i, err)
		}
		p, err := New(cfg, d)
		if err != nil {
			if d.Transport != nil {
				_ = d.Transport.Close()
			}
			s.closeBuilt()
			return nil, fmt.Errorf("pipeline: shard %d: %w", i, err)
		}
		s.shards = append(s.shards, p)
	}
	return s, nil
}

func (s *Sharded) closeBuilt() {
	for _, p := range s.shards {
		_ = p.transport.Close()
	}
}

// Len returns the number of shards.
func (s *Sharded) Len() int { return len(s.shards) }

// ShardFor returns the shard index used for key.
func (s *Sharded) ShardFor(key string) int {
	if len(s.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// Start starts every shard.
func (s *Sharded) Start(ctx context.Context) {
	for _, p := range s.shards {
		p.Start(ctx)
	}
}

// Enqueue routes the record built by build to the shard owning key.
func (s *Sharded) Enqueue(ctx context.Context, key string, build queue.BuildFunc) (*models.OperationRecord, error) {
	return s.shards[s.ShardFor(key)].Enqueue(ctx, build)
}

// Flush flushes all shards concurrently.
func (s *Sharded) Flush(ctx context.Context) error {
	return s.each(ctx, func(ctx context.Context, p *Pipeline) error { return p.Flush(ctx) })
}

// Close closes all shards concurrently. Every shard is closed even when
// another one fails.
func (s *Sharded) Close(ctx context.Context) error {
	errs := make([]error, len(s.shards))
	var g errgroup.Group
	for i, p := range s.shards {
		g.Go(func() error {
			errs[i] = p.Close(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Sharded) each(ctx context.Context, fn func(context.Context, *Pipeline) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.shards {
		g.Go(func() error { return fn(gctx, p) })
	}
	return g.Wait()
}

// Closed reports whether the shards were closed.
func (s *Sharded) Closed() bool { return s.shards[0].Closed() }

// Stats sums the shard counters. State reports the first non-idle shard
// state.
func (s *Sharded) Stats() Stats {
	var out Stats
	out.State = "idle"
	for _, p := range s.shards {
		st := p.Stats()
		out.Accepted += st.Accepted
		out.Resolved += st.Resolved
		out.Pending += st.Pending
		out.QueueDepth += st.QueueDepth
		if st.State != "idle" && out.State == "idle" {
			out.State = st.State
		}
	}
	return out
}
