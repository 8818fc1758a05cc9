package coordinator

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/monitor"
	"github.com/codeatlas-io/codeatlas/internal/parser"
	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// Sync phases, in pipeline order.
const (
	PhaseScan   = "scan"
	PhaseParse  = "parse"
	PhaseBatch  = "batch"
	PhaseCommit = "commit"
	PhasePost   = "post"
)

// skipDirs are directory names full scans never descend into.
var skipDirs = map[string]bool{
	".git":         true,
	".atlas":       true,
	"node_modules": true,
	"vendor":       true,
}

// StartFull runs a full sync over the configured roots. Only one full sync
// runs at a time; a second request fails fast with ErrFullSyncRunning. The
// call is synchronous and returns the finished operation record.
func (c *Coordinator) StartFull(ctx context.Context) (*types.SyncOperation, error) {
	c.mu.Lock()
	if c.fullRunning {
		c.mu.Unlock()
		return nil, ErrFullSyncRunning
	}
	c.fullRunning = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.fullRunning = false
		c.mu.Unlock()
	}()

	if err := c.opSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.opSem.Release(1)

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	op := &types.SyncOperation{
		ID:        c.ids.NewOperationID(),
		Type:      types.SyncFull,
		Status:    types.StatusRunning,
		StartTime: c.clk.Now(),
	}
	c.registerOp(op, cancel)
	defer c.finishOp(op.ID)

	err := c.runFull(opCtx, op)
	return c.settle(ctx, op, err)
}

func (c *Coordinator) runFull(ctx context.Context, op *types.SyncOperation) error {
	// Scan.
	c.progress(op.ID, PhaseScan, 0)
	files, err := c.scanRoots()
	if err != nil {
		return &types.IngestionError{OperationID: op.ID, Phase: PhaseScan, Cause: err}
	}
	if err := c.checkCancel(ctx, op); err != nil {
		return err
	}

	// A pre-commit checkpoint gives failure rollback something to restore.
	if c.cfg.RollbackOnFailure && c.rb != nil {
		pt, err := c.CreateRollbackPoint(ctx, "pre-sync "+op.ID, "automatic checkpoint before full sync", 0)
		if err != nil {
			return &types.IngestionError{OperationID: op.ID, Phase: PhaseScan, Cause: err}
		}
		c.setOp(op, func(o *types.SyncOperation) { o.RollbackPointID = pt.ID })
	}

	// Parse.
	c.progress(op.ID, PhaseParse, 10)
	parseStart := c.clk.Now()
	entities, relationships, parseErrs := c.parseFiles(ctx, files)
	c.setOp(op, func(o *types.SyncOperation) {
		o.FilesProcessed = len(files)
		o.Timings.ParseMS = float64(c.clk.Now().Sub(parseStart)) / float64(time.Millisecond)
		for _, pe := range parseErrs {
			o.Errors = append(o.Errors, pe.Error())
		}
	})
	for _, pe := range parseErrs {
		if c.mon != nil {
			c.mon.RecordError(op.ID, pe)
		}
	}
	if err := c.checkCancel(ctx, op); err != nil {
		return err
	}

	// Batch and commit.
	c.progress(op.ID, PhaseBatch, 40)
	commitStart := c.clk.Now()
	entRes, err := c.proc.ProcessEntities(ctx, entities, storage.UpsertOptions{Namespace: c.sessionID})
	if err != nil {
		return &types.IngestionError{OperationID: op.ID, Phase: PhaseCommit, Cause: err}
	}
	if err := c.checkCancel(ctx, op); err != nil {
		return err
	}
	c.progress(op.ID, PhaseCommit, 70)
	relRes, err := c.proc.ProcessRelationships(ctx, relationships, storage.UpsertOptions{Namespace: c.sessionID})
	if err != nil {
		return &types.IngestionError{OperationID: op.ID, Phase: PhaseCommit, Cause: err}
	}

	c.setOp(op, func(o *types.SyncOperation) {
		o.Counters.EntitiesCreated += entRes.ProcessedCount
		o.Counters.RelationshipsCreated += relRes.ProcessedCount
		o.Timings.GraphUpdateMS = float64(c.clk.Now().Sub(commitStart)) / float64(time.Millisecond)
		o.Errors = append(o.Errors, entRes.Errors...)
		o.Errors = append(o.Errors, relRes.Errors...)
	})
	// A cancel during the relationship phase surfaces in the batch results as
	// failed chunks; distinguish it from a genuine commit failure.
	if err := c.checkCancel(ctx, op); err != nil {
		return err
	}
	if !entRes.Success || !relRes.Success {
		return &types.IngestionError{
			OperationID: op.ID, Phase: PhaseCommit,
			Cause: errors.New("one or more micro-batches failed"),
		}
	}
	return nil
}

// StartIncremental syncs the files named by a set of change events. Up to
// MaxConcurrentOperations incremental syncs run concurrently; commits on the
// same paths serialize through per-path advisory locks.
func (c *Coordinator) StartIncremental(ctx context.Context, events []types.ChangeEvent) (*types.SyncOperation, error) {
	if err := c.opSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.opSem.Release(1)

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	op := &types.SyncOperation{
		ID:        c.ids.NewOperationID(),
		Type:      types.SyncIncremental,
		Status:    types.StatusRunning,
		StartTime: c.clk.Now(),
	}
	c.registerOp(op, cancel)
	defer c.finishOp(op.ID)

	err := c.runIncremental(opCtx, op, events)
	return c.settle(ctx, op, err)
}

func (c *Coordinator) runIncremental(ctx context.Context, op *types.SyncOperation, events []types.ChangeEvent) error {
	// Newest event per path wins.
	byPath := make(map[string]types.ChangeEvent, len(events))
	for _, ev := range events {
		if prev, ok := byPath[ev.Path]; !ok || ev.Timestamp.After(prev.Timestamp) {
			byPath[ev.Path] = ev
		}
	}

	// Parse changed files; deletions become removal fragments directly.
	c.progress(op.ID, PhaseParse, 10)
	parseStart := c.clk.Now()
	var (
		fragMu    sync.Mutex
		fragments []*types.ChangeFragment
		parseErrs []*types.ParseError
		paths     []string
		deletes   int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ev := range byPath {
		ev := ev
		paths = append(paths, ev.Path)
		if ev.ChangeType == types.ChangeDelete {
			fragMu.Lock()
			fragments = append(fragments, &types.ChangeFragment{
				ID:      "frag:rm:" + ev.Path,
				EventID: c.ids.NewEventID(),
				Kind:    types.FragmentEntity,
				Op:      types.OpRemove,
				Entity:  &types.Entity{ID: "file:" + ev.Path, Kind: types.KindFile, Path: ev.Path},
			})
			deletes++
			fragMu.Unlock()
			continue
		}
		if !c.parse.Supports(ev.Path) {
			continue
		}
		g.Go(func() error {
			if err := c.parseSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.parseSem.Release(1)

			res, err := c.parse.ParseFile(gctx, ev.Path)
			if err != nil {
				var pe *types.ParseError
				if errors.As(err, &pe) && pe.Recoverable {
					fragMu.Lock()
					parseErrs = append(parseErrs, pe)
					fragMu.Unlock()
					return nil
				}
				return err
			}
			frOp := types.OpUpdate
			if ev.ChangeType == types.ChangeCreate {
				frOp = types.OpAdd
			}
			frags := parser.ChangeFragments(res, c.ids.NewEventID(), frOp)
			fragMu.Lock()
			fragments = append(fragments, frags...)
			fragMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &types.IngestionError{OperationID: op.ID, Phase: PhaseParse, Cause: err}
	}
	c.setOp(op, func(o *types.SyncOperation) {
		o.FilesProcessed = len(byPath)
		o.Timings.ParseMS = float64(c.clk.Now().Sub(parseStart)) / float64(time.Millisecond)
		for _, pe := range parseErrs {
			o.Errors = append(o.Errors, pe.Error())
		}
	})
	for _, pe := range parseErrs {
		if c.mon != nil {
			c.mon.RecordError(op.ID, pe)
		}
	}
	if err := c.checkCancel(ctx, op); err != nil {
		return err
	}
	if len(fragments) == 0 {
		return nil
	}

	// Commit under the path locks, with the fragment queue bounded.
	c.progress(op.ID, PhaseCommit, 60)
	unlock := c.lockPaths(paths)
	defer unlock()

	weight := int64(len(fragments))
	if max := int64(c.cfg.MaxQueuedFragments); weight > max {
		weight = max
	}
	if err := c.fragSem.Acquire(ctx, weight); err != nil {
		return &types.IngestionError{OperationID: op.ID, Phase: PhaseCommit, Cause: err}
	}
	defer c.fragSem.Release(weight)

	commitStart := c.clk.Now()
	res, err := c.proc.ProcessChangeFragments(ctx, fragments, storage.UpsertOptions{Namespace: c.sessionID})
	if err != nil {
		return &types.IngestionError{OperationID: op.ID, Phase: PhaseCommit, Cause: err}
	}
	c.setOp(op, func(o *types.SyncOperation) {
		created, updated := 0, 0
		for _, f := range fragments {
			if f.Kind != types.FragmentEntity || f.Op == types.OpRemove {
				continue
			}
			if f.Op == types.OpAdd {
				created++
			} else {
				updated++
			}
		}
		o.Counters.EntitiesCreated += created
		o.Counters.EntitiesUpdated += updated
		o.Counters.EntitiesDeleted += deletes
		if relCount := res.ProcessedCount - created - updated - deletes; relCount > 0 {
			o.Counters.RelationshipsCreated += relCount
		}
		o.Timings.GraphUpdateMS = float64(c.clk.Now().Sub(commitStart)) / float64(time.Millisecond)
		o.Errors = append(o.Errors, res.Errors...)
	})
	if !res.Success {
		return &types.IngestionError{
			OperationID: op.ID, Phase: PhaseCommit,
			Cause: &types.BatchProcessingError{BatchID: res.BatchID, Items: res.FailedCount, Cause: errors.New("fragment commit incomplete")},
		}
	}
	return nil
}

// settle finalizes the operation: post phase, terminal status, monitoring,
// and failure rollback when configured.
func (c *Coordinator) settle(ctx context.Context, op *types.SyncOperation, runErr error) (*types.SyncOperation, error) {
	now := c.clk.Now()

	switch {
	case runErr == nil:
		c.progress(op.ID, PhasePost, 90)
		if c.cfg.CheckpointOnSuccess && c.rb != nil && op.Type == types.SyncFull {
			if pt, err := c.CreateRollbackPoint(ctx, "post-sync "+op.ID, "automatic checkpoint after full sync", 0); err != nil {
				c.log.Warn("post-sync checkpoint failed", "operation", op.ID, "error", err)
			} else {
				c.setOp(op, func(o *types.SyncOperation) { o.RollbackPointID = pt.ID })
			}
		}
		c.setOp(op, func(o *types.SyncOperation) {
			o.Status = types.StatusCompleted
			o.EndTime = &now
		})
		if c.mon != nil {
			c.mon.RecordOperationComplete(c.snapshotOp(op))
		} else {
			c.publish(ctx, eventbus.OperationCompleted, c.snapshotOp(op))
		}
		c.progress(op.ID, PhasePost, 100)
		return c.snapshotOp(op), nil

	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, types.ErrCancelled):
		c.setOp(op, func(o *types.SyncOperation) {
			o.Status = types.StatusCancelled
			o.EndTime = &now
		})
		if c.mon != nil {
			c.mon.RecordOperationCancelled(c.snapshotOp(op))
		}
		return c.snapshotOp(op), types.ErrCancelled

	default:
		c.setOp(op, func(o *types.SyncOperation) {
			o.Status = types.StatusFailed
			o.EndTime = &now
			o.Errors = append(o.Errors, runErr.Error())
		})
		if c.mon != nil {
			c.mon.RecordOperationFailed(c.snapshotOp(op), runErr)
		} else {
			c.publish(ctx, eventbus.OperationFailed, c.snapshotOp(op))
		}
		if c.cfg.RollbackOnFailure && c.rb != nil && op.RollbackPointID != "" {
			if _, err := c.RollbackTo(ctx, op.RollbackPointID); err != nil {
				c.log.Error("failure rollback did not complete", "operation", op.ID, "point", op.RollbackPointID, "error", err)
			}
		}
		return c.snapshotOp(op), runErr
	}
}

// checkCancel is a suspension point: it observes cooperative cancellation
// between phases and between batch submissions.
func (c *Coordinator) checkCancel(ctx context.Context, op *types.SyncOperation) error {
	select {
	case <-ctx.Done():
		c.log.Info("operation cancelled", "operation", op.ID)
		return types.ErrCancelled
	default:
		return nil
	}
}

// setOp mutates the shared operation record under the coordinator lock.
func (c *Coordinator) setOp(op *types.SyncOperation, f func(*types.SyncOperation)) {
	c.mu.Lock()
	f(op)
	c.mu.Unlock()
}

// snapshotOp returns a copy safe to hand outside the lock.
func (c *Coordinator) snapshotOp(op *types.SyncOperation) *types.SyncOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return op.Clone()
}

func (c *Coordinator) progress(opID, phase string, pct float64) {
	if c.mon != nil {
		c.mon.RecordOperationProgress(opID, monitor.ProgressUpdate{Phase: phase, Progress: pct})
	}
}

// scanRoots walks the configured roots and returns the files the parser
// supports.
func (c *Coordinator) scanRoots() ([]string, error) {
	var files []string
	for _, root := range c.cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != root) {
					return filepath.SkipDir
				}
				return nil
			}
			if c.parse.Supports(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// parseFiles runs the parser over the file list bounded by the parse
// semaphore, merging results and de-duplicating repeated entities (module
// records recur across files in the same directory).
func (c *Coordinator) parseFiles(ctx context.Context, files []string) ([]*types.Entity, []*types.Relationship, []*types.ParseError) {
	var (
		mu        sync.Mutex
		seenEnt   = make(map[string]bool)
		seenRel   = make(map[string]bool)
		entities  []*types.Entity
		rels      []*types.Relationship
		parseErrs []*types.ParseError
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := c.parseSem.Acquire(gctx, 1); err != nil {
				return nil // cancelled; surfaced by the caller's cancel check
			}
			defer c.parseSem.Release(1)

			res, err := c.parse.ParseFile(gctx, f)
			if err != nil {
				var pe *types.ParseError
				if errors.As(err, &pe) {
					mu.Lock()
					parseErrs = append(parseErrs, pe)
					mu.Unlock()
					return nil
				}
				mu.Lock()
				parseErrs = append(parseErrs, &types.ParseError{
					File: f, Type: "internal", Message: err.Error(), Recoverable: true, Timestamp: c.clk.Now(),
				})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			for _, e := range res.Entities {
				if !seenEnt[e.ID] {
					seenEnt[e.ID] = true
					entities = append(entities, e)
				}
			}
			for _, r := range res.Relationships {
				key := r.FromID + "\x00" + r.ToID + "\x00" + string(r.Type) + "\x00" + r.SiteHash
				if !seenRel[key] {
					seenRel[key] = true
					rels = append(rels, r)
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return entities, rels, parseErrs
}
