package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityClone(t *testing.T) {
	e := &Entity{
		ID:    "ent-1",
		Kind:  KindFile,
		Path:  "pkg/a.go",
		Hash:  "abc",
		Attrs: map[string]string{"lines": "42"},
	}
	c := e.Clone()
	require.NotNil(t, c)
	c.Attrs["lines"] = "99"
	assert.Equal(t, "42", e.Attrs["lines"], "clone must not alias attrs")

	var nilEnt *Entity
	assert.Nil(t, nilEnt.Clone())
}

func TestRelationshipClone(t *testing.T) {
	conf := 0.9
	now := time.Now()
	r := &Relationship{
		ID:         "rel-1",
		FromID:     "a",
		ToID:       "b",
		Type:       RelImports,
		Version:    1,
		Active:     true,
		Confidence: &conf,
		Evidence:   []string{"import stmt"},
		ValidFrom:  &now,
		From:       &Entity{ID: "a"},
	}
	c := r.Clone()
	*c.Confidence = 0.1
	c.Evidence[0] = "changed"
	c.From.ID = "z"

	assert.Equal(t, 0.9, *r.Confidence)
	assert.Equal(t, "import stmt", r.Evidence[0])
	assert.Equal(t, "a", r.From.ID)
}

func TestSyncOperationClone(t *testing.T) {
	end := time.Now()
	op := &SyncOperation{
		ID:        "op-1",
		Type:      SyncFull,
		Status:    StatusCompleted,
		EndTime:   &end,
		Errors:    []string{"boom"},
		Conflicts: []Conflict{{Type: ConflictEntityVersion, EntityID: "e"}},
	}
	c := op.Clone()
	c.Errors[0] = "other"
	c.Conflicts[0].EntityID = "x"
	assert.Equal(t, "boom", op.Errors[0])
	assert.Equal(t, "e", op.Conflicts[0].EntityID)
}

func TestOperationStatusIsTerminal(t *testing.T) {
	terminal := []OperationStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestSyncCountersTotals(t *testing.T) {
	c := SyncCounters{
		EntitiesCreated: 3, EntitiesUpdated: 2, EntitiesDeleted: 1,
		RelationshipsCreated: 5, RelationshipsDeleted: 2,
	}
	assert.Equal(t, 6, c.TotalEntities())
	assert.Equal(t, 7, c.TotalRelationships())
}

func TestRollbackPointExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	p := &RollbackPoint{ID: "rp-1"}
	assert.False(t, p.Expired(now), "no expiry set")

	p.ExpiresAt = &past
	assert.True(t, p.Expired(now))

	p.ExpiresAt = &future
	assert.False(t, p.Expired(now))
}

func TestTypedErrorsUnwrap(t *testing.T) {
	cause := errors.New("disk full")

	var err error = &StoreFailedError{RollbackPointID: "rp-1", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "rp-1")

	err = &BatchProcessingError{BatchID: "b-1", Items: 10, Cause: cause}
	assert.ErrorIs(t, err, cause)

	err = &IngestionError{OperationID: "op-1", Phase: "commit", Cause: cause}
	assert.ErrorIs(t, err, cause)

	var timeout *OperationTimeoutError
	err = &OperationTimeoutError{OperationID: "op-2", Waited: 5 * time.Minute}
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "op-2", timeout.OperationID)
}
