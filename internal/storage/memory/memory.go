// Package memory implements storage.GraphStore entirely in process memory.
// It honors epoch ordering, detects entity-version conflicts, and supports
// full snapshot/restore, which makes it the reference store for tests and
// the backing store for dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// Store is an in-memory graph store. All state is guarded by mu; readers get
// copies, never aliases.
type Store struct {
	mu            sync.Mutex
	entities      map[string]*types.Entity
	relationships map[string]*types.Relationship
	entityEpochs  map[string]types.Epoch
	relEpochs     map[string]types.Epoch
	maxEpoch      types.Epoch
	closed        bool

	writeCalls atomic.Int64
	failWrites error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entities:      make(map[string]*types.Entity),
		relationships: make(map[string]*types.Relationship),
		entityEpochs:  make(map[string]types.Epoch),
		relEpochs:     make(map[string]types.Epoch),
	}
}

// relKey is the relationship identity (fromId, toId, type, siteHash).
func relKey(r *types.Relationship) string {
	return strings.Join([]string{r.FromID, r.ToID, string(r.Type), r.SiteHash}, "\x00")
}

// WriteCalls returns how many upsert/delete calls reached the store. Tests
// use this to prove idempotency short-circuits before the store.
func (s *Store) WriteCalls() int64 { return s.writeCalls.Load() }

// FailWrites makes every subsequent write call return err; nil clears it.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

// UpsertEntities applies the batch under the given epoch. An existing entity
// with a different hash is reported as an entity_version conflict; the
// incoming record still wins (resolution policy lives in the coordinator).
func (s *Store) UpsertEntities(ctx context.Context, epoch types.Epoch, batch []*types.Entity, opts storage.UpsertOptions) (*storage.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writeCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	if s.failWrites != nil {
		return nil, s.failWrites
	}

	res := &storage.UpsertResult{}
	for _, e := range batch {
		if prev, ok := s.entityEpochs[e.ID]; ok && epoch < prev {
			return nil, fmt.Errorf("entity %s: %w", e.ID, storage.ErrEpochTooOld)
		}
		existing, ok := s.entities[e.ID]
		switch {
		case !ok:
			res.Created++
		case existing.Hash == e.Hash:
			res.Unchanged++
		default:
			res.Updated++
			res.Conflicts = append(res.Conflicts, types.Conflict{
				Type:         types.ConflictEntityVersion,
				EntityID:     e.ID,
				CurrentHash:  existing.Hash,
				IncomingHash: e.Hash,
			})
		}
		s.entities[e.ID] = e.Clone()
		s.entityEpochs[e.ID] = epoch
	}
	if epoch > s.maxEpoch {
		s.maxEpoch = epoch
	}
	return res, nil
}

// UpsertRelationships applies the batch under the given epoch. Identity is
// (fromId, toId, type, siteHash); a re-seen edge bumps Version and LastSeenAt.
func (s *Store) UpsertRelationships(ctx context.Context, epoch types.Epoch, batch []*types.Relationship, opts storage.UpsertOptions) (*storage.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writeCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	if s.failWrites != nil {
		return nil, s.failWrites
	}

	res := &storage.UpsertResult{}
	for _, r := range batch {
		key := relKey(r)
		if prev, ok := s.relEpochs[key]; ok && epoch < prev {
			return nil, fmt.Errorf("relationship %s: %w", r.ID, storage.ErrEpochTooOld)
		}
		existing, ok := s.relationships[key]
		c := r.Clone()
		c.From, c.To = nil, nil // ids only past the store boundary
		if !ok {
			if c.Version < 1 {
				c.Version = 1
			}
			res.Created++
		} else {
			c.Version = existing.Version + 1
			c.FirstSeenAt = existing.FirstSeenAt
			res.Updated++
		}
		s.relationships[key] = c
		s.relEpochs[key] = epoch
	}
	if epoch > s.maxEpoch {
		s.maxEpoch = epoch
	}
	return res, nil
}

// DeleteEntity removes the entity and deactivates relationships that
// reference it. Returns whether the entity existed.
func (s *Store) DeleteEntity(ctx context.Context, id string, epoch types.Epoch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.writeCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrStoreClosed
	}
	if s.failWrites != nil {
		return false, s.failWrites
	}
	if prev, ok := s.entityEpochs[id]; ok && epoch < prev {
		return false, fmt.Errorf("entity %s: %w", id, storage.ErrEpochTooOld)
	}

	_, existed := s.entities[id]
	delete(s.entities, id)
	s.entityEpochs[id] = epoch
	for key, r := range s.relationships {
		if r.FromID == id || r.ToID == id {
			if r.Active {
				r.Active = false
				now := r.LastSeenAt
				r.ValidTo = &now
			}
			s.relationships[key] = r
		}
	}
	if epoch > s.maxEpoch {
		s.maxEpoch = epoch
	}
	return existed, nil
}

// Query supports a small named-query surface. Supported queries:
//
//	entity                params: id
//	entities              params: kind (optional)
//	relationships         params: type (optional), from (optional)
//
// Parameters are matched by name; there is no string substitution.
func (s *Store) Query(ctx context.Context, q string, params map[string]any) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	switch q {
	case "entity":
		id, _ := params["id"].(string)
		e, ok := s.entities[id]
		if !ok {
			return nil, nil
		}
		return []map[string]any{entityRow(e)}, nil
	case "entities":
		kind, _ := params["kind"].(string)
		var rows []map[string]any
		for _, e := range s.entities {
			if kind != "" && string(e.Kind) != kind {
				continue
			}
			rows = append(rows, entityRow(e))
		}
		sortRows(rows, "id")
		return rows, nil
	case "relationships":
		typ, _ := params["type"].(string)
		from, _ := params["from"].(string)
		var rows []map[string]any
		for _, r := range s.relationships {
			if typ != "" && string(r.Type) != typ {
				continue
			}
			if from != "" && r.FromID != from {
				continue
			}
			rows = append(rows, map[string]any{
				"id": r.ID, "from_id": r.FromID, "to_id": r.ToID,
				"type": string(r.Type), "version": r.Version, "active": r.Active,
			})
		}
		sortRows(rows, "id")
		return rows, nil
	default:
		return nil, fmt.Errorf("unknown query %q", q)
	}
}

func entityRow(e *types.Entity) map[string]any {
	return map[string]any{
		"id": e.ID, "kind": string(e.Kind), "path": e.Path, "hash": e.Hash,
	}
}

func sortRows(rows []map[string]any, key string) {
	sort.Slice(rows, func(i, j int) bool {
		a, _ := rows[i][key].(string)
		b, _ := rows[j][key].(string)
		return a < b
	})
}

// HealthCheck reports whether the store accepts calls.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

// Snapshot deep-copies the full graph state.
func (s *Store) Snapshot(ctx context.Context) (*storage.GraphSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	snap := &storage.GraphSnapshot{Epoch: s.maxEpoch}
	for _, e := range s.entities {
		snap.Entities = append(snap.Entities, e.Clone())
	}
	for _, r := range s.relationships {
		snap.Relationships = append(snap.Relationships, r.Clone())
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	sort.Slice(snap.Relationships, func(i, j int) bool { return snap.Relationships[i].ID < snap.Relationships[j].ID })
	return snap, nil
}

// Restore replaces the graph state with the snapshot contents under the
// given epoch.
func (s *Store) Restore(ctx context.Context, snap *storage.GraphSnapshot, epoch types.Epoch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	if s.failWrites != nil {
		return s.failWrites
	}

	s.entities = make(map[string]*types.Entity, len(snap.Entities))
	s.relationships = make(map[string]*types.Relationship, len(snap.Relationships))
	s.entityEpochs = make(map[string]types.Epoch, len(snap.Entities))
	s.relEpochs = make(map[string]types.Epoch, len(snap.Relationships))
	for _, e := range snap.Entities {
		s.entities[e.ID] = e.Clone()
		s.entityEpochs[e.ID] = epoch
	}
	for _, r := range snap.Relationships {
		c := r.Clone()
		key := relKey(c)
		s.relationships[key] = c
		s.relEpochs[key] = epoch
	}
	if epoch > s.maxEpoch {
		s.maxEpoch = epoch
	}
	return nil
}

// Close marks the store closed; further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ storage.GraphStore = (*Store)(nil)
