// Package rollback implements the checkpoint store: durable rollback points
// with snapshots and restore operations, fronted by an in-memory LRU cache.
//
// Expiry is driven two ways: a per-point timer (fast path) and the periodic
// cleanup tick, which catches timers lost to a restart. The cache map and
// the timer table share one mutex so expiry can never race a lookup.
package rollback

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeatlas-io/codeatlas/internal/clock"
	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// defaultOperationCutoff is how long terminal rollback operations are kept
// before Cleanup removes them.
const defaultOperationCutoff = 24 * time.Hour

// Options configures a Store.
type Options struct {
	// MaxItems bounds the cache; at capacity the LRU entry is evicted from
	// cache only (the durable copy is retained).
	MaxItems int
	// CleanupInterval is the periodic sweep cadence. Zero disables the loop
	// (Cleanup can still be called directly).
	CleanupInterval time.Duration
	// OperationCutoff overrides the terminal-operation retention window.
	OperationCutoff time.Duration
	// Clock, Logger, and Bus are injectable; nil gets sane defaults.
	Clock  clock.Clock
	Logger *slog.Logger
	Bus    *eventbus.Bus
}

// Metrics is a point-in-time snapshot of store counters.
type Metrics struct {
	TotalPoints         int           `json:"total_points"`
	CachedPoints        int           `json:"cached_points"`
	SuccessfulRollbacks int64         `json:"successful_rollbacks"`
	FailedRollbacks     int64         `json:"failed_rollbacks"`
	AvgRollbackDuration time.Duration `json:"avg_rollback_duration"`
	EstimatedMemory     int64         `json:"estimated_memory_bytes"`
}

// CleanupResult reports what one cleanup pass removed.
type CleanupResult struct {
	RemovedPoints     int `json:"removed_points"`
	RemovedOperations int `json:"removed_operations"`
}

// Store is the rollback point store.
type Store struct {
	persist Persistence
	clk     clock.Clock
	log     *slog.Logger
	bus     *eventbus.Bus

	maxItems  int
	opCutoff  time.Duration
	sweepTick time.Duration

	mu      sync.Mutex // guards cache, lru, timers together (no TOCTOU on expiry)
	cache   map[string]*list.Element
	lru     *list.List // front = most recent
	timers  map[string]clock.Timer
	stopped bool

	metricsMu  sync.Mutex
	successes  int64
	failures   int64
	avgRestore time.Duration
	snapBytes  int64

	stopCh chan struct{}
	doneCh chan struct{}
}

type cacheEntry struct {
	id    string
	point *types.RollbackPoint
}

// New creates a Store over the given persistence layer.
func New(persist Persistence, opts Options) *Store {
	if opts.MaxItems < 1 {
		opts.MaxItems = 100
	}
	if opts.OperationCutoff <= 0 {
		opts.OperationCutoff = defaultOperationCutoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		persist:   persist,
		clk:       opts.Clock,
		log:       opts.Logger,
		bus:       opts.Bus,
		maxItems:  opts.MaxItems,
		opCutoff:  opts.OperationCutoff,
		sweepTick: opts.CleanupInterval,
		cache:     make(map[string]*list.Element),
		lru:       list.New(),
		timers:    make(map[string]clock.Timer),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the periodic cleanup loop when an interval is configured.
func (s *Store) Start(ctx context.Context) {
	if s.sweepTick <= 0 {
		close(s.doneCh)
		return
	}
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.sweepTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Cleanup(ctx); err != nil {
					s.log.Warn("rollback cleanup failed", "error", err)
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the cleanup loop, cancels timers, and closes persistence.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return s.persist.Close()
}

// Put stores a rollback point. The durable write happens first; only then is
// the cache touched, so a persistence failure leaves no cache residue.
func (s *Store) Put(ctx context.Context, p *types.RollbackPoint) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("rollback point must have an id")
	}
	cp := p.Clone()
	if err := s.persist.SavePoint(ctx, cp); err != nil {
		return &types.StoreFailedError{RollbackPointID: p.ID, Cause: err}
	}

	s.mu.Lock()
	if s.lru.Len() >= s.maxItems {
		s.evictLRULocked()
	}
	s.insertCacheLocked(cp)
	s.armTimerLocked(cp)
	s.mu.Unlock()
	return nil
}

// evictLRULocked drops the least-recently-used cache entry. Durable copy is
// retained; this is a cache-capacity event, not a delete.
func (s *Store) evictLRULocked() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	s.lru.Remove(back)
	delete(s.cache, entry.id)
	if t, ok := s.timers[entry.id]; ok {
		t.Stop()
		delete(s.timers, entry.id)
	}
	s.log.Info("rollback cache capacity reached, evicting LRU", "id", entry.id, "max_items", s.maxItems)
	if s.bus != nil {
		s.bus.Publish(context.Background(), eventbus.Event{
			Kind:    eventbus.CapacityReached,
			Payload: entry.id,
		})
	}
}

func (s *Store) insertCacheLocked(p *types.RollbackPoint) {
	if el, ok := s.cache[p.ID]; ok {
		el.Value.(*cacheEntry).point = p
		s.lru.MoveToFront(el)
		return
	}
	s.cache[p.ID] = s.lru.PushFront(&cacheEntry{id: p.ID, point: p})
}

func (s *Store) armTimerLocked(p *types.RollbackPoint) {
	if t, ok := s.timers[p.ID]; ok {
		t.Stop()
		delete(s.timers, p.ID)
	}
	if p.ExpiresAt == nil || s.stopped {
		return
	}
	d := p.ExpiresAt.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	id := p.ID
	s.timers[id] = s.clk.AfterFunc(d, func() {
		if _, err := s.Remove(context.Background(), id); err != nil {
			s.log.Warn("expiry removal failed", "id", id, "error", err)
		}
	})
}

// Get returns the point by id. A present-but-expired point is removed and
// the call fails with ErrExpired. Cache LRU order is refreshed on hit.
func (s *Store) Get(ctx context.Context, id string) (*types.RollbackPoint, error) {
	s.mu.Lock()
	var p *types.RollbackPoint
	if el, ok := s.cache[id]; ok {
		s.lru.MoveToFront(el)
		p = el.Value.(*cacheEntry).point
	}
	s.mu.Unlock()

	if p == nil {
		loaded, err := s.persist.LoadPoint(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, types.ErrNotFound
			}
			return nil, &types.StoreFailedError{RollbackPointID: id, Cause: err}
		}
		p = loaded
		s.mu.Lock()
		if s.lru.Len() >= s.maxItems {
			s.evictLRULocked()
		}
		s.insertCacheLocked(p.Clone())
		s.mu.Unlock()
	}

	if p.Expired(s.clk.Now()) {
		if _, err := s.Remove(ctx, id); err != nil {
			return nil, err
		}
		return nil, types.ErrExpired
	}
	return p.Clone(), nil
}

// List returns all non-expired points, newest first.
func (s *Store) List(ctx context.Context) ([]*types.RollbackPoint, error) {
	return s.listFiltered(ctx, "")
}

// ListForSession returns non-expired points created under the session,
// newest first.
func (s *Store) ListForSession(ctx context.Context, sessionID string) ([]*types.RollbackPoint, error) {
	return s.listFiltered(ctx, sessionID)
}

func (s *Store) listFiltered(ctx context.Context, sessionID string) ([]*types.RollbackPoint, error) {
	points, err := s.persist.ListPoints(ctx)
	if err != nil {
		return nil, &types.StoreFailedError{Cause: err}
	}
	now := s.clk.Now()
	out := points[:0]
	for _, p := range points {
		if p.Expired(now) {
			continue
		}
		if sessionID != "" && p.SessionID != sessionID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Remove deletes the point with its snapshots and operations in one
// transaction, drops it from the cache, and cancels its timer. Returns
// whether a durable row existed.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	existed, err := s.persist.DeletePoint(ctx, id)
	if err != nil {
		return false, &types.StoreFailedError{RollbackPointID: id, Cause: err}
	}

	// Durable delete forces cache delete and timer cancel.
	s.mu.Lock()
	if el, ok := s.cache[id]; ok {
		s.lru.Remove(el)
		delete(s.cache, id)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return existed, nil
}

// StoreSnapshot appends a snapshot to an existing point, computing size and
// checksum. Fails with ErrNotFound when the point is absent (FK).
func (s *Store) StoreSnapshot(ctx context.Context, pointID string, typ types.SnapshotType, data []byte) (*types.Snapshot, error) {
	sum := sha256.Sum256(data)
	snap := &types.Snapshot{
		RollbackPointID: pointID,
		Type:            typ,
		Data:            append([]byte(nil), data...),
		SizeBytes:       int64(len(data)),
		Checksum:        hex.EncodeToString(sum[:]),
	}
	if err := s.persist.SaveSnapshot(ctx, snap); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, &types.StoreFailedError{RollbackPointID: pointID, Cause: err}
	}
	s.metricsMu.Lock()
	s.snapBytes += snap.SizeBytes
	s.metricsMu.Unlock()
	return snap, nil
}

// Snapshots returns the snapshots attached to a point.
func (s *Store) Snapshots(ctx context.Context, pointID string) ([]*types.Snapshot, error) {
	return s.persist.ListSnapshots(ctx, pointID)
}

// StoreOperation creates a rollback operation record. The target point must
// exist (FK enforced by persistence).
func (s *Store) StoreOperation(ctx context.Context, op *types.RollbackOperation) error {
	if err := s.persist.SaveOperation(ctx, op.Clone()); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.ErrNotFound
		}
		return &types.StoreFailedError{RollbackPointID: op.TargetRollbackPointID, Cause: err}
	}
	return nil
}

// UpdateOperation updates an existing operation; fails with ErrNotFound when
// absent. Terminal transitions update the success/failure counters and the
// rolling average restore duration.
func (s *Store) UpdateOperation(ctx context.Context, op *types.RollbackOperation) error {
	prev, err := s.persist.LoadOperation(ctx, op.ID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.ErrNotFound
		}
		return &types.StoreFailedError{RollbackPointID: op.TargetRollbackPointID, Cause: err}
	}
	if err := s.persist.SaveOperation(ctx, op.Clone()); err != nil {
		return &types.StoreFailedError{RollbackPointID: op.TargetRollbackPointID, Cause: err}
	}

	// Metrics move only on the transition into a terminal state.
	if prev.Status.IsTerminal() || !op.Status.IsTerminal() {
		return nil
	}
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	switch op.Status {
	case types.StatusCompleted:
		s.successes++
		end := s.clk.Now()
		if op.CompletedAt != nil {
			end = *op.CompletedAt
		}
		d := end.Sub(op.StartedAt)
		s.avgRestore += (d - s.avgRestore) / time.Duration(s.successes)
	case types.StatusFailed:
		s.failures++
	}
	return nil
}

// ListOperations returns all rollback operations, newest first.
func (s *Store) ListOperations(ctx context.Context) ([]*types.RollbackOperation, error) {
	return s.persist.ListOperations(ctx)
}

// GetOperation returns one operation record.
func (s *Store) GetOperation(ctx context.Context, id string) (*types.RollbackOperation, error) {
	op, err := s.persist.LoadOperation(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, &types.StoreFailedError{Cause: err}
	}
	return op, nil
}

// Cleanup removes expired points (with their cascades) and terminal
// operations older than the cutoff.
func (s *Store) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	now := s.clk.Now()

	points, err := s.persist.ListPoints(ctx)
	if err != nil {
		return res, &types.StoreFailedError{Cause: err}
	}
	for _, p := range points {
		if !p.Expired(now) {
			continue
		}
		existed, err := s.Remove(ctx, p.ID)
		if err != nil {
			return res, err
		}
		if existed {
			res.RemovedPoints++
		}
	}

	ops, err := s.persist.ListOperations(ctx)
	if err != nil {
		return res, &types.StoreFailedError{Cause: err}
	}
	cutoff := now.Add(-s.opCutoff)
	for _, op := range ops {
		if !op.Status.IsTerminal() {
			continue
		}
		end := op.StartedAt
		if op.CompletedAt != nil {
			end = *op.CompletedAt
		}
		if end.After(cutoff) {
			continue
		}
		existed, err := s.persist.DeleteOperation(ctx, op.ID)
		if err != nil {
			return res, &types.StoreFailedError{Cause: err}
		}
		if existed {
			res.RemovedOperations++
		}
	}

	if res.RemovedPoints > 0 || res.RemovedOperations > 0 {
		s.log.Debug("rollback cleanup",
			"removed_points", res.RemovedPoints,
			"removed_operations", res.RemovedOperations)
	}
	return res, nil
}

// GetMetrics returns a snapshot of the store counters.
func (s *Store) GetMetrics(ctx context.Context) (Metrics, error) {
	points, err := s.persist.ListPoints(ctx)
	if err != nil {
		return Metrics{}, &types.StoreFailedError{Cause: err}
	}

	s.mu.Lock()
	cached := s.lru.Len()
	s.mu.Unlock()

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return Metrics{
		TotalPoints:         len(points),
		CachedPoints:        cached,
		SuccessfulRollbacks: s.successes,
		FailedRollbacks:     s.failures,
		AvgRollbackDuration: s.avgRestore,
		// Rough estimate: snapshot payloads dominate; points are small.
		EstimatedMemory: s.snapBytes + int64(len(points))*512,
	}, nil
}
