package types

import "time"

// BatchType is the payload kind of a processor batch.
type BatchType string

const (
	BatchEntities      BatchType = "entities"
	BatchRelationships BatchType = "relationships"
	BatchFragments     BatchType = "fragments"
)

// DefaultBatchPriority is used when metadata omits a priority.
const DefaultBatchPriority = 5

// BatchMetadata tags one top-level batch submitted to the processor.
type BatchMetadata struct {
	ID        string    `json:"id"`
	Type      BatchType `json:"type"`
	Size      int       `json:"size"`
	Priority  int       `json:"priority"` // 1..10, default 5
	CreatedAt time.Time `json:"created_at"`
	EpochID   Epoch     `json:"epoch_id"`
	Namespace string    `json:"namespace,omitempty"`
}

// BatchResult is the outcome of one top-level batch. Success is true iff
// FailedCount is zero.
type BatchResult struct {
	BatchID        string        `json:"batch_id"`
	Success        bool          `json:"success"`
	ProcessedCount int           `json:"processed_count"`
	FailedCount    int           `json:"failed_count"`
	Duration       time.Duration `json:"duration"`
	Errors         []string      `json:"errors,omitempty"`
	Metadata       BatchMetadata `json:"metadata"`
}

// Clone returns a deep copy.
func (r *BatchResult) Clone() *BatchResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Errors != nil {
		c.Errors = append([]string(nil), r.Errors...)
	}
	return &c
}
