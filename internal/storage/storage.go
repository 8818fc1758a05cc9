// Package storage defines the store contracts the ingestion engine writes
// through: the graph store, the optional vector store, and the relational
// store backing rollback metadata.
//
// Concrete implementations live in the memory and sqlite sub-packages.
// Consumers depend on these interfaces so tests can substitute fakes.
package storage

import (
	"context"
	"errors"

	"github.com/codeatlas-io/codeatlas/internal/types"
)

// ErrEpochTooOld is returned when a write carries an epoch lower than one the
// store has already committed for the same record. Stores must reject such
// writes so racing writers cannot reorder history.
var ErrEpochTooOld = errors.New("write epoch older than committed epoch")

// ErrStoreClosed is returned for calls after Close.
var ErrStoreClosed = errors.New("store closed")

// UpsertOptions tunes a single upsert call.
type UpsertOptions struct {
	// IdempotencyKey is recorded alongside the write; stores may use it to
	// de-duplicate replayed batches.
	IdempotencyKey string
	// Namespace scopes the write when the store is shared.
	Namespace string
}

// UpsertResult reports what one upsert call did, including any entity-version
// conflicts the store observed. Counters cover only the items in the call.
type UpsertResult struct {
	Created   int
	Updated   int
	Unchanged int
	Conflicts []types.Conflict
}

// GraphStore is the persistence contract for entities and relationships.
// Every write carries an epoch; the store must ensure writes from epoch N are
// observed by subsequent reads before any write from epoch N+1.
//
// Query parameters are passed by name. Implementations are responsible for
// escaping when the backing store lacks parameterization; callers never
// interpolate values into the query text.
type GraphStore interface {
	UpsertEntities(ctx context.Context, epoch types.Epoch, batch []*types.Entity, opts UpsertOptions) (*UpsertResult, error)
	UpsertRelationships(ctx context.Context, epoch types.Epoch, batch []*types.Relationship, opts UpsertOptions) (*UpsertResult, error)
	DeleteEntity(ctx context.Context, id string, epoch types.Epoch) (bool, error)
	Query(ctx context.Context, q string, params map[string]any) ([]map[string]any, error)
	HealthCheck(ctx context.Context) error

	// Snapshot captures the current graph state; Restore replaces it. Both
	// are used by rollback execution and count as suspension points.
	Snapshot(ctx context.Context) (*GraphSnapshot, error)
	Restore(ctx context.Context, snap *GraphSnapshot, epoch types.Epoch) error

	Close() error
}

// GraphSnapshot is a point-in-time copy of graph state, sufficient to make a
// later Restore indistinguishable from the pre-snapshot graph.
type GraphSnapshot struct {
	Entities      []*types.Entity
	Relationships []*types.Relationship
	Epoch         types.Epoch
}

// VectorStore is the optional embedding store contract.
type VectorStore interface {
	UpsertEmbeddings(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]string, error)
}

// RelStore is the transactional relational contract used for persisted
// rollback metadata. Implementations back it with SQL; the rollback store
// treats it as opaque begin/exec/commit plumbing.
type RelStore interface {
	BeginTx(ctx context.Context) (Tx, error)
	Query(ctx context.Context, q string, args ...any) (Rows, error)
	Exec(ctx context.Context, q string, args ...any) error
	Close() error
}

// Tx is one relational transaction.
type Tx interface {
	Exec(q string, args ...any) error
	Query(q string, args ...any) (Rows, error)
	Commit() error
	Rollback() error
}

// Rows is a minimal scan iterator over a relational result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}
