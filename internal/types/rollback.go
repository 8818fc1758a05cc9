package types

import "time"

// RollbackPoint names a restorable snapshot of graph state. Snapshots and
// rollback operations referencing the point are cascade-deleted with it.
type RollbackPoint struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (p *RollbackPoint) Clone() *RollbackPoint {
	if p == nil {
		return nil
	}
	c := *p
	if p.ExpiresAt != nil {
		v := *p.ExpiresAt
		c.ExpiresAt = &v
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Expired reports whether the point has an expiry in the past relative to now.
func (p *RollbackPoint) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// SnapshotType classifies what a snapshot payload contains.
type SnapshotType string

const (
	SnapshotEntities      SnapshotType = "entities"
	SnapshotRelationships SnapshotType = "relationships"
	SnapshotEmbeddings    SnapshotType = "embeddings"
)

// Snapshot is one captured payload attached to a rollback point.
type Snapshot struct {
	RollbackPointID string       `json:"rollback_point_id"`
	Type            SnapshotType `json:"type"`
	Data            []byte       `json:"data"`
	SizeBytes       int64        `json:"size_bytes"`
	Checksum        string       `json:"checksum,omitempty"`
}

// RollbackStrategy selects how much state a rollback restores.
type RollbackStrategy string

const (
	StrategyFull    RollbackStrategy = "full"
	StrategyPartial RollbackStrategy = "partial"
)

// RollbackOperation tracks one restore run against a rollback point.
// Status follows pending → running → (completed | failed | cancelled).
type RollbackOperation struct {
	ID                    string           `json:"id"`
	TargetRollbackPointID string           `json:"target_rollback_point_id"`
	Type                  string           `json:"type"`
	Status                OperationStatus  `json:"status"`
	Progress              int              `json:"progress"` // 0..100
	Strategy              RollbackStrategy `json:"strategy"`
	StartedAt             time.Time        `json:"started_at"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	Error                 string           `json:"error,omitempty"`
	Log                   []string         `json:"log,omitempty"`
}

// Clone returns a deep copy.
func (o *RollbackOperation) Clone() *RollbackOperation {
	if o == nil {
		return nil
	}
	c := *o
	if o.CompletedAt != nil {
		v := *o.CompletedAt
		c.CompletedAt = &v
	}
	if o.Log != nil {
		c.Log = append([]string(nil), o.Log...)
	}
	return &c
}
