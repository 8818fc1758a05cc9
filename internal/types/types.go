// Package types defines the graph primitives and operation records shared by
// the ingestion engine: entities, relationships, change fragments, sync
// operations, and rollback records. Components hand these across boundaries
// by value; use the Clone helpers when a record must cross an ownership line.
package types

import (
	"time"
)

// EntityKind classifies a graph entity.
type EntityKind string

const (
	KindFile   EntityKind = "file"
	KindSymbol EntityKind = "symbol"
	KindModule EntityKind = "module"
	KindDoc    EntityKind = "doc"
	KindTest   EntityKind = "test"
	KindSpec   EntityKind = "spec"
	KindChange EntityKind = "change"
)

// Entity is a node in the code knowledge graph. ID is stable process-wide;
// Hash changes iff the semantic content changes.
type Entity struct {
	ID           string            `json:"id"`
	Kind         EntityKind        `json:"kind"`
	Path         string            `json:"path,omitempty"`
	Language     string            `json:"language,omitempty"`
	Signature    string            `json:"signature,omitempty"`
	Hash         string            `json:"hash"`
	LastModified time.Time         `json:"last_modified"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Attrs != nil {
		c.Attrs = make(map[string]string, len(e.Attrs))
		for k, v := range e.Attrs {
			c.Attrs[k] = v
		}
	}
	return &c
}

// RelationshipType classifies an edge.
type RelationshipType string

const (
	RelContains   RelationshipType = "contains"
	RelImports    RelationshipType = "imports"
	RelCalls      RelationshipType = "calls"
	RelReferences RelationshipType = "references"
	RelImplements RelationshipType = "implements"
	RelDocuments  RelationshipType = "documents"
	RelTests      RelationshipType = "tests"
)

// Relationship is a typed edge between two entities. Identity is
// (FromID, ToID, Type, SiteHash).
type Relationship struct {
	ID           string           `json:"id"`
	FromID       string           `json:"from_id"`
	ToID         string           `json:"to_id"`
	Type         RelationshipType `json:"type"`
	SiteHash     string           `json:"site_hash,omitempty"`
	Created      time.Time        `json:"created"`
	LastModified time.Time        `json:"last_modified"`
	Version      int              `json:"version"` // >= 1
	Active       bool             `json:"active"`
	FirstSeenAt  time.Time        `json:"first_seen_at"`
	LastSeenAt   time.Time        `json:"last_seen_at"`
	Confidence   *float64         `json:"confidence,omitempty"` // in [0,1] when set
	Evidence     []string         `json:"evidence,omitempty"`
	ValidFrom    *time.Time       `json:"valid_from,omitempty"`
	ValidTo      *time.Time       `json:"valid_to,omitempty"` // set whenever Active is false

	// From and To optionally carry the endpoint entities inline; the batch
	// processor resolves FromID/ToID from them when the ids are empty.
	From *Entity `json:"-"`
	To   *Entity `json:"-"`
}

// Clone returns a deep copy. Endpoint entities are cloned too.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	if r.Confidence != nil {
		v := *r.Confidence
		c.Confidence = &v
	}
	if r.Evidence != nil {
		c.Evidence = append([]string(nil), r.Evidence...)
	}
	if r.ValidFrom != nil {
		v := *r.ValidFrom
		c.ValidFrom = &v
	}
	if r.ValidTo != nil {
		v := *r.ValidTo
		c.ValidTo = &v
	}
	c.From = r.From.Clone()
	c.To = r.To.Clone()
	return &c
}

// ChangeType is the kind of filesystem change reported by the watcher.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is the upstream file-watcher contract. The coordinator consumes
// these from a bounded channel.
type ChangeEvent struct {
	Path         string     `json:"path"`
	ChangeType   ChangeType `json:"change_type"`
	AbsolutePath string     `json:"absolute_path"`
	Timestamp    time.Time  `json:"timestamp"`
}

// FragmentKind says whether a fragment carries an entity or a relationship.
type FragmentKind string

const (
	FragmentEntity       FragmentKind = "entity"
	FragmentRelationship FragmentKind = "relationship"
)

// FragmentOp is the mutation a fragment describes.
type FragmentOp string

const (
	OpAdd    FragmentOp = "add"
	OpUpdate FragmentOp = "update"
	OpRemove FragmentOp = "remove"
)

// ChangeFragment describes a single change inside a sync operation. Each
// fragment is consumed exactly once per epoch. DependencyHints name fragment
// ids that must commit before this one.
type ChangeFragment struct {
	ID              string        `json:"id"`
	EventID         string        `json:"event_id"`
	Kind            FragmentKind  `json:"kind"`
	Op              FragmentOp    `json:"op"`
	Entity          *Entity       `json:"entity,omitempty"`
	Relationship    *Relationship `json:"relationship,omitempty"`
	DependencyHints []string      `json:"dependency_hints,omitempty"`
	Confidence      float64       `json:"confidence"`
}

// Clone returns a deep copy.
func (f *ChangeFragment) Clone() *ChangeFragment {
	if f == nil {
		return nil
	}
	c := *f
	c.Entity = f.Entity.Clone()
	c.Relationship = f.Relationship.Clone()
	if f.DependencyHints != nil {
		c.DependencyHints = append([]string(nil), f.DependencyHints...)
	}
	return &c
}

// SyncType is the scope of a sync operation.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
	SyncPartial     SyncType = "partial"
)

// OperationStatus is the lifecycle state of a sync or rollback operation.
// Transitions are monotonic except running→cancelled and running→failed.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SyncCounters aggregates the mutation counts of one operation.
type SyncCounters struct {
	EntitiesCreated      int `json:"entities_created"`
	EntitiesUpdated      int `json:"entities_updated"`
	EntitiesDeleted      int `json:"entities_deleted"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsUpdated int `json:"relationships_updated"`
	RelationshipsDeleted int `json:"relationships_deleted"`
}

// TotalEntities returns created+updated+deleted for entities.
func (c SyncCounters) TotalEntities() int {
	return c.EntitiesCreated + c.EntitiesUpdated + c.EntitiesDeleted
}

// TotalRelationships returns created+updated+deleted for relationships.
func (c SyncCounters) TotalRelationships() int {
	return c.RelationshipsCreated + c.RelationshipsUpdated + c.RelationshipsDeleted
}

// PhaseTimings holds per-phase durations measured for one operation, in
// milliseconds. Zero means the phase was not measured.
type PhaseTimings struct {
	ParseMS       float64 `json:"parse_ms,omitempty"`
	GraphUpdateMS float64 `json:"graph_update_ms,omitempty"`
	EmbeddingMS   float64 `json:"embedding_ms,omitempty"`
	IOWaitMS      float64 `json:"io_wait_ms,omitempty"`
	CacheHitRate  float64 `json:"cache_hit_rate,omitempty"`
}

// SyncOperation is the coordinator-owned record of one sync run.
type SyncOperation struct {
	ID              string          `json:"id"`
	Type            SyncType        `json:"type"`
	Status          OperationStatus `json:"status"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	FilesProcessed  int             `json:"files_processed"`
	Counters        SyncCounters    `json:"counters"`
	Errors          []string        `json:"errors,omitempty"`
	Conflicts       []Conflict      `json:"conflicts,omitempty"`
	RollbackPointID string          `json:"rollback_point_id,omitempty"`
	Timings         PhaseTimings    `json:"timings,omitempty"`
}

// Clone returns a deep copy.
func (o *SyncOperation) Clone() *SyncOperation {
	if o == nil {
		return nil
	}
	c := *o
	if o.EndTime != nil {
		v := *o.EndTime
		c.EndTime = &v
	}
	if o.Errors != nil {
		c.Errors = append([]string(nil), o.Errors...)
	}
	if o.Conflicts != nil {
		c.Conflicts = append([]Conflict(nil), o.Conflicts...)
	}
	return &c
}

// Duration returns the operation's wall time, zero while still running.
func (o *SyncOperation) Duration() time.Duration {
	if o.EndTime == nil {
		return 0
	}
	return o.EndTime.Sub(o.StartTime)
}

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	// ConflictEntityVersion means an upsert found an existing entity with the
	// same id but a different hash.
	ConflictEntityVersion ConflictType = "entity_version"
)

// Conflict records a store-reported collision for resolution.
type Conflict struct {
	Type         ConflictType `json:"type"`
	EntityID     string       `json:"entity_id"`
	CurrentHash  string       `json:"current_hash"`
	IncomingHash string       `json:"incoming_hash"`
	Resolved     bool         `json:"resolved"`
	Resolution   string       `json:"resolution,omitempty"`
}

// Epoch orders graph writes. Writes from epoch N are observed before any
// write from epoch N+1; stores must honor this when writers race.
type Epoch uint64
