// Package coordinator drives sync operations end to end: scanning and
// parsing sources, committing through the batch processor, enforcing
// backpressure, and executing checkpoints and rollbacks. It is the only
// component that owns operation lifecycle state.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codeatlas-io/codeatlas/internal/batch"
	"github.com/codeatlas-io/codeatlas/internal/clock"
	"github.com/codeatlas-io/codeatlas/internal/config"
	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/idgen"
	"github.com/codeatlas-io/codeatlas/internal/monitor"
	"github.com/codeatlas-io/codeatlas/internal/parser"
	"github.com/codeatlas-io/codeatlas/internal/rollback"
	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// ErrFullSyncRunning is returned when a second full sync is requested while
// one is in flight. Full syncs never overlap.
var ErrFullSyncRunning = errors.New("full sync already running")

// Options wires a Coordinator. Config, Store, and Processor are required.
type Options struct {
	Config    *config.Config
	Store     storage.GraphStore
	Processor *batch.Processor
	Rollback  *rollback.Store
	Monitor   *monitor.Monitor
	Parser    parser.Parser
	Changes   <-chan types.ChangeEvent
	Bus       *eventbus.Bus
	Clock     clock.Clock
	Logger    *slog.Logger
	IDs       idgen.Generator
	// ResolveConflict decides how a detected conflict settles before it is
	// recorded on the operation. Nil gets ResolveIncomingWins.
	ResolveConflict func(types.Conflict) types.Conflict
}

// ResolveIncomingWins is the default resolution strategy: the write that
// arrived last is kept, matching what the store already committed.
func ResolveIncomingWins(c types.Conflict) types.Conflict {
	c.Resolved = true
	c.Resolution = "incoming_wins"
	return c
}

// Coordinator orchestrates full and incremental sync operations.
type Coordinator struct {
	cfg   *config.Config
	store storage.GraphStore
	proc  *batch.Processor
	rb    *rollback.Store
	mon   *monitor.Monitor
	parse parser.Parser

	changes <-chan types.ChangeEvent
	bus     *eventbus.Bus
	clk     clock.Clock
	log     *slog.Logger
	ids     idgen.Generator
	resolve func(types.Conflict) types.Conflict

	sessionID string

	opSem    *semaphore.Weighted // concurrent operations
	parseSem *semaphore.Weighted // concurrent parse tasks
	fragSem  *semaphore.Weighted // queued fragments across operations

	mu          sync.Mutex
	ops         map[string]*types.SyncOperation
	cancels     map[string]context.CancelFunc
	fullRunning bool
	pathLocks   map[string]*sync.Mutex

	wg            sync.WaitGroup
	closed        chan struct{}
	closeOnce     sync.Once
	conflictStop  func()
	conflictEvts  <-chan eventbus.Event
	conflictsDone chan struct{}
}

// New creates a Coordinator and starts its conflict collector.
func New(opts Options) *Coordinator {
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
	if opts.Parser == nil {
		opts.Parser = parser.NewHashParser(time.Duration(cfg.DocFreshnessWindowDays) * 24 * time.Hour)
	}
	if opts.ResolveConflict == nil {
		opts.ResolveConflict = ResolveIncomingWins
	}
	c := &Coordinator{
		cfg:       cfg,
		store:     opts.Store,
		proc:      opts.Processor,
		rb:        opts.Rollback,
		mon:       opts.Monitor,
		parse:     opts.Parser,
		changes:   opts.Changes,
		bus:       opts.Bus,
		clk:       opts.Clock,
		log:       opts.Logger,
		ids:       opts.IDs,
		resolve:   opts.ResolveConflict,
		sessionID: opts.IDs.NewSessionID(),
		opSem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentOperations)),
		parseSem:  semaphore.NewWeighted(int64(cfg.MaxParseTasks)),
		fragSem:   semaphore.NewWeighted(int64(cfg.MaxQueuedFragments)),
		ops:       make(map[string]*types.SyncOperation),
		cancels:   make(map[string]context.CancelFunc),
		pathLocks: make(map[string]*sync.Mutex),
		closed:    make(chan struct{}),
	}
	if c.bus != nil {
		c.conflictEvts, c.conflictStop = c.bus.Subscribe(eventbus.ConflictDetected, 64)
		c.conflictsDone = make(chan struct{})
		go c.collectConflicts()
	}
	return c
}

// SessionID identifies this coordinator instance; rollback points it creates
// carry it.
func (c *Coordinator) SessionID() string { return c.sessionID }

// collectConflicts drains conflict events, applies the resolution strategy,
// and attaches the resolved conflict to the newest running operation. When
// the operation already settled by the time the event arrives, the conflict
// attaches to the newest operation regardless of status.
func (c *Coordinator) collectConflicts() {
	defer close(c.conflictsDone)
	for ev := range c.conflictEvts {
		conflict, ok := ev.Payload.(types.Conflict)
		if !ok {
			continue
		}
		conflict = c.resolve(conflict)

		c.mu.Lock()
		var newest, newestRunning *types.SyncOperation
		for _, op := range c.ops {
			if newest == nil || op.StartTime.After(newest.StartTime) {
				newest = op
			}
			if op.Status == types.StatusRunning &&
				(newestRunning == nil || op.StartTime.After(newestRunning.StartTime)) {
				newestRunning = op
			}
		}
		if newestRunning != nil {
			newest = newestRunning
		}
		if newest != nil {
			newest.Conflicts = append(newest.Conflicts, conflict)
		}
		c.mu.Unlock()

		if c.mon != nil {
			opID := ""
			if newest != nil {
				opID = newest.ID
			}
			c.mon.RecordConflict(opID, conflict)
		}
	}
}

// Run consumes the change stream and dispatches incremental syncs until ctx
// is done or the stream closes. Events arriving close together are coalesced
// into one operation.
func (c *Coordinator) Run(ctx context.Context) {
	if c.changes == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case ev, ok := <-c.changes:
			if !ok {
				return
			}
			events := c.drainChanges(ev)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if _, err := c.StartIncremental(ctx, events); err != nil &&
					!errors.Is(err, context.Canceled) && !errors.Is(err, types.ErrCancelled) {
					c.log.Error("incremental sync failed", "error", err)
				}
			}()
		}
	}
}

// RunFrom is Run over a stream supplied after construction, for callers that
// build the watcher late. Call at most once, instead of Run.
func (c *Coordinator) RunFrom(ctx context.Context, changes <-chan types.ChangeEvent) {
	c.changes = changes
	c.Run(ctx)
}

// drainChanges grabs whatever else is already queued, newest event per path
// winning.
func (c *Coordinator) drainChanges(first types.ChangeEvent) []types.ChangeEvent {
	byPath := map[string]types.ChangeEvent{first.Path: first}
	for {
		select {
		case ev, ok := <-c.changes:
			if !ok {
				return changeList(byPath)
			}
			byPath[ev.Path] = ev
		default:
			return changeList(byPath)
		}
	}
}

func changeList(byPath map[string]types.ChangeEvent) []types.ChangeEvent {
	out := make([]types.ChangeEvent, 0, len(byPath))
	for _, ev := range byPath {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Cancel requests cooperative cancellation of a running operation. The
// operation observes it at its next suspension point.
func (c *Coordinator) Cancel(opID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[opID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Status returns a copy of the operation record.
func (c *Coordinator) Status(opID string) (*types.SyncOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[opID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return op.Clone(), nil
}

// ListOperations returns copies of all known operations, newest first.
func (c *Coordinator) ListOperations() []*types.SyncOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.SyncOperation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// Subscribe exposes the event stream for one kind.
func (c *Coordinator) Subscribe(kind eventbus.Kind, capacity int) (<-chan eventbus.Event, func()) {
	if c.bus == nil {
		ch := make(chan eventbus.Event)
		close(ch)
		return ch, func() {}
	}
	return c.bus.Subscribe(kind, capacity)
}

// Close stops the conflict collector and waits for dispatched operations.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conflictStop != nil {
			c.conflictStop()
			<-c.conflictsDone
		}
		c.wg.Wait()
	})
}

// registerOp records a new operation and its cancel func.
func (c *Coordinator) registerOp(op *types.SyncOperation, cancel context.CancelFunc) {
	c.mu.Lock()
	c.ops[op.ID] = op
	c.cancels[op.ID] = cancel
	c.mu.Unlock()
	if c.mon != nil {
		c.mon.RecordOperationStart(op)
	}
}

// finishOp drops the cancel func; the record itself is retained for Status.
func (c *Coordinator) finishOp(opID string) {
	c.mu.Lock()
	delete(c.cancels, opID)
	c.mu.Unlock()
}

// pathLock returns the advisory lock for a path, creating it on first use.
func (c *Coordinator) pathLock(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		c.pathLocks[path] = l
	}
	return l
}

// lockPaths acquires the advisory locks for all paths in sorted order, so
// concurrent operations touching overlapping files cannot deadlock.
func (c *Coordinator) lockPaths(paths []string) func() {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	locks := make([]*sync.Mutex, 0, len(sorted))
	for i, p := range sorted {
		if i > 0 && sorted[i-1] == p {
			continue
		}
		l := c.pathLock(p)
		l.Lock()
		locks = append(locks, l)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// sleep waits through the injected clock so tests can advance time.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	ch := make(chan struct{})
	t := c.clk.AfterFunc(d, func() { close(ch) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (c *Coordinator) publish(ctx context.Context, kind eventbus.Kind, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, eventbus.Event{Kind: kind, Timestamp: c.clk.Now(), Payload: payload})
}
