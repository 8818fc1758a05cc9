// Package batch commits entity and relationship mutations to the graph store
// in bounded micro-batches. Submissions are idempotent within a TTL window,
// fragment batches honor dependency order, and every top-level batch claims a
// monotonically increasing epoch so the store can serialize racing writers.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/codeatlas-io/codeatlas/internal/clock"
	"github.com/codeatlas-io/codeatlas/internal/config"
	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/idgen"
	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

const (
	// sweepInterval is the cadence of the idempotency cache sweep.
	sweepInterval = 60 * time.Second
	// storeRetries bounds retry attempts per store call.
	storeRetries = 3
)

// Options configures a Processor. Config and Store are required; the rest
// default sensibly.
type Options struct {
	Config *config.Config
	Store  storage.GraphStore
	Clock  clock.Clock
	Logger *slog.Logger
	IDs    idgen.Generator
	Bus    *eventbus.Bus
}

// Processor is the batching layer between the coordinator and the graph
// store.
type Processor struct {
	store storage.GraphStore
	clk   clock.Clock
	log   *slog.Logger
	ids   idgen.Generator
	bus   *eventbus.Bus

	entityBatchSize  int
	relBatchSize     int
	maxConcurrent    int
	idempotencyTTL   time.Duration
	storeCallTimeout time.Duration
	dagEnabled       bool

	epoch atomic.Uint64
	cache *resultCache

	mu         sync.Mutex
	running    bool
	started    bool
	inflight   sync.WaitGroup
	sweepTimer clock.Timer
	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// New creates a stopped Processor; call Start before submitting batches.
func New(opts Options) *Processor {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDs == nil {
		opts.IDs = idgen.NewRandom()
	}
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Processor{
		store:            opts.Store,
		clk:              opts.Clock,
		log:              opts.Logger,
		ids:              opts.IDs,
		bus:              opts.Bus,
		entityBatchSize:  cfg.EntityBatchSize,
		relBatchSize:     cfg.RelationshipBatchSize,
		maxConcurrent:    cfg.MaxConcurrentBatches,
		idempotencyTTL:   cfg.IdempotencyTTL,
		storeCallTimeout: cfg.StoreCallTimeout,
		dagEnabled:       cfg.DAGEnabled,
		cache:            newResultCache(),
		stopCtx:          stopCtx,
		stopCancel:       stopCancel,
	}
}

// Start marks the processor running and arms the cache sweeper. Starting
// twice is a no-op; a stopped processor cannot be restarted.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.running = true
	p.mu.Unlock()
	p.armSweep()
}

func (p *Processor) armSweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.sweepTimer = p.clk.AfterFunc(sweepInterval, func() {
		if n := p.cache.sweep(p.clk.Now()); n > 0 {
			p.log.Debug("idempotency cache sweep", "removed", n)
		}
		p.armSweep()
	})
}

// Stop drains in-flight batches for up to timeout, then abandons the rest.
// Abandoned batches report their remaining items failed. Subsequent
// submissions return ErrProcessorStopped.
func (p *Processor) Stop(timeout time.Duration) error {
	p.mu.Lock()
	p.running = false
	if p.sweepTimer != nil {
		p.sweepTimer.Stop()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.stopCancel()
		<-done
		return fmt.Errorf("stop drain exceeded %s, abandoned in-flight batches: %w", timeout, types.ErrProcessorStopped)
	}
}

// Epoch returns the most recently claimed epoch.
func (p *Processor) Epoch() types.Epoch {
	return types.Epoch(p.epoch.Load())
}

// ClaimEpoch reserves the next write epoch for callers that commit outside
// the batch pipeline, such as rollback restores.
func (p *Processor) ClaimEpoch() types.Epoch {
	return p.claimEpoch()
}

func (p *Processor) claimEpoch() types.Epoch {
	return types.Epoch(p.epoch.Add(1))
}

// begin registers an in-flight batch, rejecting submissions while stopped.
func (p *Processor) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return types.ErrProcessorStopped
	}
	p.inflight.Add(1)
	return nil
}

// interrupted reports whether the batch should stop committing.
func (p *Processor) interrupted(ctx context.Context) error {
	select {
	case <-p.stopCtx.Done():
		return types.ErrProcessorStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// ProcessEntities commits a batch of entities in concurrent micro-batches.
// The returned result accounts for every submitted item: ProcessedCount +
// FailedCount equals len(entities).
func (p *Processor) ProcessEntities(ctx context.Context, entities []*types.Entity, opts storage.UpsertOptions) (*types.BatchResult, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.inflight.Done()

	start := p.clk.Now()
	meta := types.BatchMetadata{
		ID: p.ids.NewBatchID(), Type: types.BatchEntities, Size: len(entities),
		Priority: types.DefaultBatchPriority, CreatedAt: start, Namespace: opts.Namespace,
	}
	if len(entities) == 0 {
		return &types.BatchResult{BatchID: meta.ID, Success: true, Metadata: meta}, nil
	}

	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = EntityBatchKey(entities)
	}
	if cached, ok := p.cache.get(opts.IdempotencyKey, start); ok {
		p.log.Debug("replayed cached batch result", "batch_id", cached.BatchID, "key", opts.IdempotencyKey)
		return cached, nil
	}

	meta.EpochID = p.claimEpoch()
	res := p.runChunks(ctx, meta, len(entities), p.entityBatchSize, func(cctx context.Context, lo, hi int) (*storage.UpsertResult, error) {
		return p.upsertEntities(cctx, meta.EpochID, entities[lo:hi], opts)
	})
	res.Duration = p.clk.Now().Sub(start)
	p.cache.put(opts.IdempotencyKey, res, start.Add(p.idempotencyTTL))
	return res, nil
}

// ProcessRelationships commits a batch of relationships. Relationships whose
// endpoints cannot be resolved from either the id fields or the inline
// entities are dropped with a warning and counted failed.
func (p *Processor) ProcessRelationships(ctx context.Context, rels []*types.Relationship, opts storage.UpsertOptions) (*types.BatchResult, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.inflight.Done()

	start := p.clk.Now()
	meta := types.BatchMetadata{
		ID: p.ids.NewBatchID(), Type: types.BatchRelationships, Size: len(rels),
		Priority: types.DefaultBatchPriority, CreatedAt: start, Namespace: opts.Namespace,
	}
	if len(rels) == 0 {
		return &types.BatchResult{BatchID: meta.ID, Success: true, Metadata: meta}, nil
	}

	resolved, dropped := p.resolveEndpoints(rels)

	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = RelationshipBatchKey(resolved)
	}
	if cached, ok := p.cache.get(opts.IdempotencyKey, start); ok {
		p.log.Debug("replayed cached batch result", "batch_id", cached.BatchID, "key", opts.IdempotencyKey)
		return cached, nil
	}

	meta.EpochID = p.claimEpoch()
	res := p.runChunks(ctx, meta, len(resolved), p.relBatchSize, func(cctx context.Context, lo, hi int) (*storage.UpsertResult, error) {
		return p.upsertRelationships(cctx, meta.EpochID, resolved[lo:hi], opts)
	})
	if dropped > 0 {
		res.FailedCount += dropped
		res.Errors = append(res.Errors, fmt.Sprintf("%d relationships dropped: unresolvable endpoints", dropped))
		res.Success = false
	}
	res.Duration = p.clk.Now().Sub(start)
	p.cache.put(opts.IdempotencyKey, res, start.Add(p.idempotencyTTL))
	return res, nil
}

// resolveEndpoints fills FromID/ToID from inline endpoint entities and drops
// relationships that still lack an endpoint.
func (p *Processor) resolveEndpoints(rels []*types.Relationship) ([]*types.Relationship, int) {
	resolved := make([]*types.Relationship, 0, len(rels))
	dropped := 0
	for _, r := range rels {
		cp := r.Clone()
		if cp.FromID == "" && cp.From != nil {
			cp.FromID = cp.From.ID
		}
		if cp.ToID == "" && cp.To != nil {
			cp.ToID = cp.To.ID
		}
		if cp.FromID == "" || cp.ToID == "" {
			p.log.Warn("dropping relationship with unresolvable endpoint",
				"type", string(cp.Type), "from", cp.FromID, "to", cp.ToID)
			dropped++
			continue
		}
		resolved = append(resolved, cp)
	}
	return resolved, dropped
}

// runChunks dispatches [0,total) in chunks of size through commit, bounded
// by the configured concurrency. Chunk failures are recorded, not fatal.
func (p *Processor) runChunks(ctx context.Context, meta types.BatchMetadata, total, size int, commit func(context.Context, int, int) (*storage.UpsertResult, error)) *types.BatchResult {
	res := &types.BatchResult{BatchID: meta.ID, Metadata: meta}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(p.maxConcurrent)
	for lo := 0; lo < total; lo += size {
		lo, hi := lo, min(lo+size, total)
		g.Go(func() error {
			if err := p.interrupted(ctx); err != nil {
				mu.Lock()
				res.FailedCount += hi - lo
				res.Errors = append(res.Errors, err.Error())
				mu.Unlock()
				return nil
			}
			ur, err := commit(ctx, lo, hi)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				perr := &types.BatchProcessingError{BatchID: meta.ID, Items: hi - lo, Cause: err}
				p.log.Error("micro-batch failed", "batch_id", meta.ID, "items", hi-lo, "error", err)
				res.FailedCount += hi - lo
				res.Errors = append(res.Errors, perr.Error())
				return nil
			}
			res.ProcessedCount += ur.Created + ur.Updated + ur.Unchanged
			for _, c := range ur.Conflicts {
				p.publishConflict(ctx, c)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // goroutines never return errors

	res.Success = res.FailedCount == 0
	return res
}

func (p *Processor) upsertEntities(ctx context.Context, epoch types.Epoch, chunk []*types.Entity, opts storage.UpsertOptions) (*storage.UpsertResult, error) {
	var out *storage.UpsertResult
	err := p.withRetry(ctx, func(cctx context.Context) error {
		r, err := p.store.UpsertEntities(cctx, epoch, chunk, opts)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (p *Processor) upsertRelationships(ctx context.Context, epoch types.Epoch, chunk []*types.Relationship, opts storage.UpsertOptions) (*storage.UpsertResult, error) {
	var out *storage.UpsertResult
	err := p.withRetry(ctx, func(cctx context.Context) error {
		r, err := p.store.UpsertRelationships(cctx, epoch, chunk, opts)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// withRetry runs one store call under the per-call timeout with bounded
// exponential backoff. Epoch ordering violations and closed stores are not
// retried.
func (p *Processor) withRetry(ctx context.Context, call func(context.Context) error) error {
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, p.storeCallTimeout)
		defer cancel()
		if err := call(cctx); err != nil {
			if errors.Is(err, storage.ErrEpochTooOld) || errors.Is(err, storage.ErrStoreClosed) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(exp, storeRetries), ctx)
	return backoff.Retry(op, bo)
}

func (p *Processor) publishConflict(ctx context.Context, c types.Conflict) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.ConflictDetected, Timestamp: p.clk.Now(), Payload: c})
}

// CacheSize reports retained idempotency entries.
func (p *Processor) CacheSize() int {
	return p.cache.len()
}
