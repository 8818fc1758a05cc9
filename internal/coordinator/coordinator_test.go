package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeatlas-io/codeatlas/internal/batch"
	"github.com/codeatlas-io/codeatlas/internal/clock"
	"github.com/codeatlas-io/codeatlas/internal/config"
	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/idgen"
	"github.com/codeatlas-io/codeatlas/internal/monitor"
	"github.com/codeatlas-io/codeatlas/internal/parser"
	"github.com/codeatlas-io/codeatlas/internal/rollback"
	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/storage/memory"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

type fixture struct {
	coord *Coordinator
	store *memory.Store
	proc  *batch.Processor
	rb    *rollback.Store
	mon   *monitor.Monitor
	bus   *eventbus.Bus
	cfg   *config.Config
}

// newFixture wires the full stack over the in-memory store. mutate lets a
// test adjust config or swap collaborators before the coordinator is built.
func newFixture(t *testing.T, mutate func(*config.Config, *Options)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.RollbackOnFailure = false
	cfg.CheckpointOnSuccess = false

	store := memory.New()
	bus := eventbus.New()
	mon := monitor.New(monitor.Options{Bus: bus})
	rb := rollback.New(rollback.NewMemoryPersistence(), rollback.Options{})

	opts := Options{
		Config:   cfg,
		Store:    store,
		Rollback: rb,
		Monitor:  mon,
		Bus:      bus,
		IDs:      idgen.NewSequential(),
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}

	// The processor is built after mutate so it shares whatever store and
	// clock the test swapped in.
	proc := batch.New(batch.Options{Config: cfg, Store: opts.Store, Bus: bus, IDs: idgen.NewSequential(), Clock: opts.Clock})
	proc.Start()
	opts.Processor = proc
	c := New(opts)

	t.Cleanup(func() {
		c.Close()
		_ = proc.Stop(time.Second)
		mon.Close()
		rb.Close()
		bus.Close()
	})
	return &fixture{coord: c, store: store, proc: proc, rb: rb, mon: mon, bus: bus, cfg: cfg}
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestFullSyncEndToEnd(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.go":          "package main\n",
		"pkg/util.go":      "package pkg\n",
		"docs/overview.md": "# overview\n",
	})
	f := newFixture(t, func(cfg *config.Config, _ *Options) {
		cfg.Roots = []string{dir}
		cfg.CheckpointOnSuccess = true
	})

	op, err := f.coord.StartFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, op.Status)
	assert.Equal(t, types.SyncFull, op.Type)
	assert.Equal(t, 3, op.FilesProcessed)
	assert.Greater(t, op.Counters.EntitiesCreated, 0)
	assert.Greater(t, op.Counters.RelationshipsCreated, 0)
	require.NotNil(t, op.EndTime)

	rows, err := f.store.Query(context.Background(), "entities", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(rows), 3, "file entities plus modules")

	// Post-success checkpoint recorded against this session.
	assert.NotEmpty(t, op.RollbackPointID)
	points, err := f.rb.ListForSession(context.Background(), f.coord.SessionID())
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, op.RollbackPointID, points[0].ID)

	m := f.mon.Metrics()
	assert.EqualValues(t, 1, m.OperationsTotal)
	assert.EqualValues(t, 1, m.OperationsSuccessful)
}

// gateParser blocks in ParseFile until released, so tests can observe
// running operations.
type gateParser struct {
	gate chan struct{}
}

func (p *gateParser) Supports(path string) bool { return filepath.Ext(path) == ".go" }

func (p *gateParser) ParseFile(ctx context.Context, path string) (*parser.Result, error) {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &parser.Result{Entities: []*types.Entity{{
		ID: "file:" + path, Kind: types.KindFile, Path: path, Hash: "h", LastModified: time.Now(),
	}}}, nil
}

func TestFullSyncExclusive(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.go": "package a\n"})
	gp := &gateParser{gate: make(chan struct{})}
	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		cfg.Roots = []string{dir}
		opts.Parser = gp
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.StartFull(context.Background())
		done <- err
	}()

	// Wait until the first sync is visibly running.
	require.Eventually(t, func() bool {
		return len(f.coord.ListOperations()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := f.coord.StartFull(context.Background())
	assert.ErrorIs(t, err, ErrFullSyncRunning)

	close(gp.gate)
	require.NoError(t, <-done)
}

func TestIncrementalSyncLifecycle(t *testing.T) {
	dir := writeTree(t, map[string]string{"svc.go": "package svc\n"})
	f := newFixture(t, func(cfg *config.Config, _ *Options) {
		cfg.Roots = []string{dir}
	})
	ctx := context.Background()
	path := filepath.Join(dir, "svc.go")

	op, err := f.coord.StartIncremental(ctx, []types.ChangeEvent{{
		Path: path, ChangeType: types.ChangeCreate, AbsolutePath: path, Timestamp: time.Now(),
	}})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, op.Status)
	assert.Equal(t, types.SyncIncremental, op.Type)
	assert.Greater(t, op.Counters.EntitiesCreated, 0)

	rows, err := f.store.Query(ctx, "entities", nil)
	require.NoError(t, err)
	before := len(rows)
	require.Greater(t, before, 0)

	// Delete event removes the file entity.
	op, err = f.coord.StartIncremental(ctx, []types.ChangeEvent{{
		Path: path, ChangeType: types.ChangeDelete, AbsolutePath: path, Timestamp: time.Now(),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, op.Counters.EntitiesDeleted)

	rows, err = f.store.Query(ctx, "entities", nil)
	require.NoError(t, err)
	assert.Len(t, rows, before-1)
}

func TestCancellation(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.go": "package a\n"})
	gp := &gateParser{gate: make(chan struct{})}
	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		cfg.Roots = []string{dir}
		opts.Parser = gp
	})

	type result struct {
		op  *types.SyncOperation
		err error
	}
	done := make(chan result, 1)
	go func() {
		op, err := f.coord.StartFull(context.Background())
		done <- result{op, err}
	}()

	var opID string
	require.Eventually(t, func() bool {
		ops := f.coord.ListOperations()
		if len(ops) != 1 {
			return false
		}
		opID = ops[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, f.coord.Cancel(opID))

	res := <-done
	assert.ErrorIs(t, res.err, types.ErrCancelled)
	assert.Equal(t, types.StatusCancelled, res.op.Status)

	// Cancellation is not a failure.
	m := f.mon.Metrics()
	assert.Zero(t, m.OperationsFailed)

	assert.False(t, f.coord.Cancel("op-unknown"))
}

// cancelOnRelStore delegates to a memory store but cancels the running
// operation when relationships first arrive, then waits out the context.
type cancelOnRelStore struct {
	*memory.Store
	cancelOp func()
	once     sync.Once
}

func (s *cancelOnRelStore) UpsertRelationships(ctx context.Context, epoch types.Epoch, batch []*types.Relationship, opts storage.UpsertOptions) (*storage.UpsertResult, error) {
	s.once.Do(s.cancelOp)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelDuringRelationshipPhase(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.go": "package a\n"})
	store := &cancelOnRelStore{Store: memory.New()}
	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		cfg.Roots = []string{dir}
		opts.Store = store
	})
	store.cancelOp = func() {
		ops := f.coord.ListOperations()
		if len(ops) == 1 {
			f.coord.Cancel(ops[0].ID)
		}
	}

	op, err := f.coord.StartFull(context.Background())
	require.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, types.StatusCancelled, op.Status)

	// The aborted relationship chunks must not surface as a failure.
	m := f.mon.Metrics()
	assert.Zero(t, m.OperationsFailed)
}

func TestRollbackRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	seed := []*types.Entity{
		{ID: "e-1", Kind: types.KindSymbol, Hash: "h1"},
		{ID: "e-2", Kind: types.KindSymbol, Hash: "h2"},
	}
	_, err := f.proc.ProcessEntities(ctx, seed, storage.UpsertOptions{})
	require.NoError(t, err)

	pt, err := f.coord.CreateRollbackPoint(ctx, "before extras", "test checkpoint", 0)
	require.NoError(t, err)
	assert.Equal(t, f.coord.SessionID(), pt.SessionID)

	snaps, err := f.rb.Snapshots(ctx, pt.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 2, "entities and relationships payloads")

	_, err = f.proc.ProcessEntities(ctx, []*types.Entity{
		{ID: "e-3", Kind: types.KindSymbol, Hash: "h3"},
	}, storage.UpsertOptions{})
	require.NoError(t, err)

	rop, err := f.coord.RollbackTo(ctx, pt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rop.Status)
	assert.Equal(t, 100, rop.Progress)
	require.NotNil(t, rop.CompletedAt)

	rows, err := f.store.Query(ctx, "entities", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "post-checkpoint write rolled back")

	// Rollback metrics moved.
	rm, err := f.rb.GetMetrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rm.SuccessfulRollbacks)
}

func TestRollbackToMissingPoint(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.RollbackTo(context.Background(), "rp-ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// stuckStore delegates to a memory store but blocks Restore forever.
type stuckStore struct {
	*memory.Store
	block chan struct{}
}

func (s *stuckStore) Restore(ctx context.Context, snap *storage.GraphSnapshot, epoch types.Epoch) error {
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRollbackPollTimeout(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	stuck := &stuckStore{Store: memory.New(), block: make(chan struct{})}
	defer close(stuck.block)

	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		opts.Store = stuck
		opts.Clock = fc
	})
	ctx := context.Background()

	pt, err := f.coord.CreateRollbackPoint(ctx, "stuck", "", 0)
	require.NoError(t, err)

	type result struct {
		rop *types.RollbackOperation
		err error
	}
	done := make(chan result, 1)
	go func() {
		rop, err := f.coord.RollbackTo(ctx, pt.ID)
		done <- result{rop, err}
	}()

	// Drive the fake clock past the five-minute poll cap.
	for {
		select {
		case res := <-done:
			var terr *types.OperationTimeoutError
			require.ErrorAs(t, res.err, &terr)
			assert.Equal(t, 5*time.Minute, terr.Waited)
			require.NotNil(t, res.rop)
			assert.Equal(t, types.StatusRunning, res.rop.Status, "operation keeps running past the poll cap")
			return
		default:
			fc.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

// conflictParser returns the same entity id with a per-sync hash.
type conflictParser struct {
	hash string
}

func (p *conflictParser) Supports(path string) bool { return filepath.Ext(path) == ".go" }

func (p *conflictParser) ParseFile(ctx context.Context, path string) (*parser.Result, error) {
	return &parser.Result{Entities: []*types.Entity{{
		ID: "file:shared", Kind: types.KindFile, Path: path, Hash: p.hash, LastModified: time.Now(),
	}}}, nil
}

func TestConflictDetectionAndResolution(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.go": "package a\n"})
	cp := &conflictParser{hash: "v1"}
	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		cfg.Roots = []string{dir}
		opts.Parser = cp
	})
	ctx := context.Background()

	_, err := f.coord.StartFull(ctx)
	require.NoError(t, err)

	cp.hash = "v2"
	op, err := f.coord.StartFull(ctx)
	require.NoError(t, err)

	// The collector attaches the resolved conflict asynchronously.
	require.Eventually(t, func() bool {
		got, err := f.coord.Status(op.ID)
		return err == nil && len(got.Conflicts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.coord.Status(op.ID)
	require.NoError(t, err)
	conflict := got.Conflicts[0]
	assert.Equal(t, types.ConflictEntityVersion, conflict.Type)
	assert.Equal(t, "file:shared", conflict.EntityID)
	assert.True(t, conflict.Resolved)
	assert.Equal(t, "incoming_wins", conflict.Resolution)

	// Incoming hash won in the store.
	rows, err := f.store.Query(ctx, "entity", map[string]any{"id": "file:shared"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "v2", rows[0]["hash"])

	require.Eventually(t, func() bool {
		return f.mon.Metrics().ConflictsDetected == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConflictResolutionHookOverridesDefault(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.go": "package a\n"})
	cp := &conflictParser{hash: "v1"}
	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		cfg.Roots = []string{dir}
		opts.Parser = cp
		opts.ResolveConflict = func(c types.Conflict) types.Conflict {
			c.Resolved = false
			c.Resolution = "manual_review"
			return c
		}
	})
	ctx := context.Background()

	_, err := f.coord.StartFull(ctx)
	require.NoError(t, err)

	cp.hash = "v2"
	op, err := f.coord.StartFull(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.coord.Status(op.ID)
		return err == nil && len(got.Conflicts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.coord.Status(op.ID)
	require.NoError(t, err)
	assert.Equal(t, "manual_review", got.Conflicts[0].Resolution)
	assert.False(t, got.Conflicts[0].Resolved)
}

// failingUpsertStore wraps a memory store and fails entity upserts.
type failingUpsertStore struct {
	*memory.Store
}

func (s *failingUpsertStore) UpsertEntities(ctx context.Context, epoch types.Epoch, batch []*types.Entity, opts storage.UpsertOptions) (*storage.UpsertResult, error) {
	return nil, storage.ErrStoreClosed
}

func TestRollbackOnFailure(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.go": "package a\n"})
	failing := &failingUpsertStore{Store: memory.New()}
	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		cfg.Roots = []string{dir}
		cfg.RollbackOnFailure = true
		opts.Store = failing
	})
	ctx := context.Background()

	op, err := f.coord.StartFull(ctx)
	require.Error(t, err)
	var ierr *types.IngestionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, PhaseCommit, ierr.Phase)
	assert.Equal(t, types.StatusFailed, op.Status)
	assert.NotEmpty(t, op.RollbackPointID, "pre-sync checkpoint recorded")

	// The failure triggered a restore against the pre-sync point.
	rops, err := f.rb.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, rops, 1)
	assert.Equal(t, op.RollbackPointID, rops[0].TargetRollbackPointID)
	assert.Equal(t, types.StatusCompleted, rops[0].Status)

	m := f.mon.Metrics()
	assert.EqualValues(t, 1, m.OperationsFailed)
}

func TestDryRunStoreCounts(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})
	cfg := config.Default()
	cfg.Roots = []string{dir}
	cfg.CheckpointOnSuccess = false

	dry := NewDryRunStore()
	proc := batch.New(batch.Options{Config: cfg, Store: dry, IDs: idgen.NewSequential()})
	proc.Start()
	defer proc.Stop(time.Second) //nolint:errcheck

	c := New(Options{Config: cfg, Store: dry, Processor: proc, IDs: idgen.NewSequential()})
	defer c.Close()

	op, err := c.StartFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, op.Status)

	entities, rels, _ := dry.Counts()
	assert.Greater(t, entities, 0)
	assert.Greater(t, rels, 0)
}

func TestPathLocksSerializeOverlap(t *testing.T) {
	f := newFixture(t, nil)

	unlock := f.coord.lockPaths([]string{"b.go", "a.go", "a.go"})

	acquired := make(chan struct{})
	go func() {
		u := f.coord.lockPaths([]string{"a.go", "c.go"})
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping lock set acquired while held")
	case <-time.After(100 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock not released")
	}
}

func TestRunDispatchesChangeStream(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.go": "package a\n"})
	changes := make(chan types.ChangeEvent, 8)
	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		cfg.Roots = []string{dir}
		opts.Changes = changes
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.coord.Run(ctx)

	path := filepath.Join(dir, "a.go")
	changes <- types.ChangeEvent{Path: path, ChangeType: types.ChangeModify, AbsolutePath: path, Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		ops := f.coord.ListOperations()
		return len(ops) == 1 && ops[0].Status == types.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	close(changes)
}
