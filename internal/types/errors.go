package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrExpired is returned when a rollback point exists but its expiry has
// passed; the caller observes removal as a side effect.
var ErrExpired = errors.New("rollback point expired")

// ErrCancelled is returned when a cancel token fires at a suspension point.
var ErrCancelled = errors.New("operation cancelled")

// ErrProcessorStopped is returned for submissions after the batch processor
// has been stopped.
var ErrProcessorStopped = errors.New("batch processor stopped")

// StoreFailedError reports a persistence failure in the rollback store. The
// transaction has been rolled back when this is returned.
type StoreFailedError struct {
	RollbackPointID string
	Cause           error
}

func (e *StoreFailedError) Error() string {
	return fmt.Sprintf("rollback store failed for point %s: %v", e.RollbackPointID, e.Cause)
}

func (e *StoreFailedError) Unwrap() error { return e.Cause }

// OperationTimeoutError reports that waiting on an operation exceeded its
// deadline (e.g. the rollback completion poll).
type OperationTimeoutError struct {
	OperationID string
	Waited      time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.OperationID, e.Waited)
}

// BatchProcessingError reports a fatal failure in idempotency bookkeeping or
// batch dispatch; the named items were not committed.
type BatchProcessingError struct {
	BatchID string
	Items   int
	Cause   error
}

func (e *BatchProcessingError) Error() string {
	return fmt.Sprintf("batch %s failed processing %d items: %v", e.BatchID, e.Items, e.Cause)
}

func (e *BatchProcessingError) Unwrap() error { return e.Cause }

// IngestionError reports an operation-level ingestion failure.
type IngestionError struct {
	OperationID string
	Phase       string
	Cause       error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed in phase %s for operation %s: %v", e.Phase, e.OperationID, e.Cause)
}

func (e *IngestionError) Unwrap() error { return e.Cause }

// ParseError is the recoverable per-file error class surfaced by parsers.
type ParseError struct {
	File        string
	Type        string
	Message     string
	Recoverable bool
	Timestamp   time.Time
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s: %s", e.File, e.Type, e.Message)
}
