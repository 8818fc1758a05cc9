package rollback

import (
	"context"
	"sort"
	"sync"

	"github.com/codeatlas-io/codeatlas/internal/types"
)

// Persistence is the durable layer under the rollback store. DeletePoint
// must cascade to the point's snapshots and operations atomically.
type Persistence interface {
	SavePoint(ctx context.Context, p *types.RollbackPoint) error
	LoadPoint(ctx context.Context, id string) (*types.RollbackPoint, error)
	ListPoints(ctx context.Context) ([]*types.RollbackPoint, error)
	DeletePoint(ctx context.Context, id string) (bool, error)

	SaveSnapshot(ctx context.Context, s *types.Snapshot) error
	ListSnapshots(ctx context.Context, pointID string) ([]*types.Snapshot, error)

	SaveOperation(ctx context.Context, op *types.RollbackOperation) error
	LoadOperation(ctx context.Context, id string) (*types.RollbackOperation, error)
	ListOperations(ctx context.Context) ([]*types.RollbackOperation, error)
	DeleteOperation(ctx context.Context, id string) (bool, error)

	Close() error
}

// MemoryPersistence keeps everything in process memory. Used for tests and
// for deployments that opt out of durable rollback metadata.
type MemoryPersistence struct {
	mu        sync.Mutex
	points    map[string]*types.RollbackPoint
	snapshots map[string][]*types.Snapshot
	ops       map[string]*types.RollbackOperation
}

// NewMemoryPersistence creates an empty in-memory layer.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		points:    make(map[string]*types.RollbackPoint),
		snapshots: make(map[string][]*types.Snapshot),
		ops:       make(map[string]*types.RollbackOperation),
	}
}

func (m *MemoryPersistence) SavePoint(ctx context.Context, p *types.RollbackPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[p.ID] = p.Clone()
	return nil
}

func (m *MemoryPersistence) LoadPoint(ctx context.Context, id string) (*types.RollbackPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryPersistence) ListPoints(ctx context.Context) ([]*types.RollbackPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.RollbackPoint, 0, len(m.points))
	for _, p := range m.points {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryPersistence) DeletePoint(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.points[id]
	delete(m.points, id)
	delete(m.snapshots, id)
	for opID, op := range m.ops {
		if op.TargetRollbackPointID == id {
			delete(m.ops, opID)
		}
	}
	return existed, nil
}

func (m *MemoryPersistence) SaveSnapshot(ctx context.Context, s *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.points[s.RollbackPointID]; !ok {
		return types.ErrNotFound
	}
	c := *s
	c.Data = append([]byte(nil), s.Data...)
	m.snapshots[s.RollbackPointID] = append(m.snapshots[s.RollbackPointID], &c)
	return nil
}

func (m *MemoryPersistence) ListSnapshots(ctx context.Context, pointID string) ([]*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.snapshots[pointID]
	out := make([]*types.Snapshot, 0, len(list))
	for _, s := range list {
		c := *s
		c.Data = append([]byte(nil), s.Data...)
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryPersistence) SaveOperation(ctx context.Context, op *types.RollbackOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.points[op.TargetRollbackPointID]; !ok {
		return types.ErrNotFound
	}
	m.ops[op.ID] = op.Clone()
	return nil
}

func (m *MemoryPersistence) LoadOperation(ctx context.Context, id string) (*types.RollbackOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return op.Clone(), nil
}

func (m *MemoryPersistence) ListOperations(ctx context.Context) ([]*types.RollbackOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.RollbackOperation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryPersistence) DeleteOperation(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.ops[id]
	delete(m.ops, id)
	return existed, nil
}

func (m *MemoryPersistence) Close() error { return nil }

var _ Persistence = (*MemoryPersistence)(nil)
