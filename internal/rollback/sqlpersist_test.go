package rollback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeatlas-io/codeatlas/internal/storage/sqlite"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

func newSQLPersistence(t *testing.T) *SQLPersistence {
	t.Helper()
	rel, err := sqlite.NewRelStore(filepath.Join(t.TempDir(), "rollback.db"))
	require.NoError(t, err)
	p, err := NewSQLPersistence(context.Background(), rel)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSQLPointRoundTrip(t *testing.T) {
	p := newSQLPersistence(t)
	ctx := context.Background()

	exp := t0.Add(time.Hour)
	pt := &types.RollbackPoint{
		ID: "rp-1", Name: "before refactor", Description: "pre-change state",
		Timestamp: t0, ExpiresAt: &exp, SessionID: "sess-9",
		Metadata: map[string]string{"operation": "op-1"},
	}
	require.NoError(t, p.SavePoint(ctx, pt))

	got, err := p.LoadPoint(ctx, "rp-1")
	require.NoError(t, err)
	assert.Equal(t, "before refactor", got.Name)
	assert.Equal(t, "sess-9", got.SessionID)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
	assert.Equal(t, "op-1", got.Metadata["operation"])

	_, err = p.LoadPoint(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSQLCascadeDelete(t *testing.T) {
	p := newSQLPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.SavePoint(ctx, &types.RollbackPoint{ID: "rp-1", Name: "n", Timestamp: t0}))
	require.NoError(t, p.SaveSnapshot(ctx, &types.Snapshot{
		RollbackPointID: "rp-1", Type: types.SnapshotEntities,
		Data: []byte("blob"), SizeBytes: 4, Checksum: "abc",
	}))
	require.NoError(t, p.SaveOperation(ctx, &types.RollbackOperation{
		ID: "rop-1", TargetRollbackPointID: "rp-1",
		Status: types.StatusPending, StartedAt: t0, Strategy: types.StrategyFull,
	}))

	existed, err := p.DeletePoint(ctx, "rp-1")
	require.NoError(t, err)
	assert.True(t, existed)

	snaps, err := p.ListSnapshots(ctx, "rp-1")
	require.NoError(t, err)
	assert.Empty(t, snaps)

	_, err = p.LoadOperation(ctx, "rop-1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	existed, err = p.DeletePoint(ctx, "rp-1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSQLForeignKeyEnforced(t *testing.T) {
	p := newSQLPersistence(t)
	ctx := context.Background()

	err := p.SaveSnapshot(ctx, &types.Snapshot{
		RollbackPointID: "ghost", Type: types.SnapshotEntities, Data: []byte("x"), SizeBytes: 1,
	})
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = p.SaveOperation(ctx, &types.RollbackOperation{
		ID: "rop-1", TargetRollbackPointID: "ghost",
		Status: types.StatusPending, StartedAt: t0,
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSQLOperationRoundTripAndOrdering(t *testing.T) {
	p := newSQLPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.SavePoint(ctx, &types.RollbackPoint{ID: "rp-1", Name: "n", Timestamp: t0}))

	first := &types.RollbackOperation{
		ID: "rop-1", TargetRollbackPointID: "rp-1", Type: "restore",
		Status: types.StatusRunning, Progress: 40, Strategy: types.StrategyPartial,
		StartedAt: t0, Log: []string{"started", "restoring entities"},
	}
	require.NoError(t, p.SaveOperation(ctx, first))

	second := &types.RollbackOperation{
		ID: "rop-2", TargetRollbackPointID: "rp-1",
		Status: types.StatusPending, StartedAt: t0.Add(time.Minute),
	}
	require.NoError(t, p.SaveOperation(ctx, second))

	got, err := p.LoadOperation(ctx, "rop-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, types.StrategyPartial, got.Strategy)
	assert.Equal(t, []string{"started", "restoring entities"}, got.Log)

	// Upsert semantics on update.
	done := t0.Add(2 * time.Minute)
	first.Status = types.StatusCompleted
	first.Progress = 100
	first.CompletedAt = &done
	require.NoError(t, p.SaveOperation(ctx, first))
	got, err = p.LoadOperation(ctx, "rop-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	ops, err := p.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "rop-2", ops[0].ID, "newest first")
}

func TestStoreOverSQLPersistence(t *testing.T) {
	p := newSQLPersistence(t)
	s := New(p, Options{})
	// Store owns persistence from here; no separate cleanup.
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &types.RollbackPoint{ID: "rp-1", Name: "durable", Timestamp: t0}))
	got, err := s.Get(ctx, "rp-1")
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Name)

	_, err = s.StoreSnapshot(ctx, "rp-1", types.SnapshotRelationships, []byte("edges"))
	require.NoError(t, err)
	snaps, err := s.Snapshots(ctx, "rp-1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.EqualValues(t, 5, snaps[0].SizeBytes)
}
