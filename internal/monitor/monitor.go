// Package monitor tracks sync operation lifecycle, aggregates sync and
// performance metrics, derives engine health, and keeps bounded alert and
// log history.
//
// All maps and slices are mutated only under the instance mutex; readers
// always receive copies.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/codeatlas-io/codeatlas/internal/clock"
	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

const (
	maxAlerts     = 100
	maxLogs       = 1000
	maxAnomalies  = 100
	maxHistory    = 1000
	// throughputWindow is the sliding window for the ops/minute figure.
	throughputWindow = 5 * time.Minute
	// healthCheckInterval is the background health probe cadence.
	healthCheckInterval = 30 * time.Second
	// consecutiveFailureScan bounds how far back the failure streak looks.
	consecutiveFailureScan = 10
)

// ProgressUpdate is the latest reported phase of a running operation.
type ProgressUpdate struct {
	Phase    string  `json:"phase"`
	Progress float64 `json:"progress"` // 0..100
}

// SequenceAnomaly records a duplicate or out-of-order session event.
type SequenceAnomaly struct {
	SessionID        string    `json:"session_id"`
	SequenceNumber   int64     `json:"sequence_number"`
	PreviousSequence int64     `json:"previous_sequence"`
	Reason           string    `json:"reason"` // duplicate | outOfOrder
	EventID          string    `json:"event_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// CheckpointMetrics is the most recent checkpoint job measurement.
type CheckpointMetrics struct {
	RollbackPointID string        `json:"rollback_point_id"`
	Duration        time.Duration `json:"duration"`
	Entities        int           `json:"entities"`
	Relationships   int           `json:"relationships"`
	SizeBytes       int64         `json:"size_bytes"`
	CreatedAt       time.Time     `json:"created_at"`
}

// SyncMetrics aggregates operation outcomes.
type SyncMetrics struct {
	OperationsTotal      int64         `json:"operations_total"`
	OperationsSuccessful int64         `json:"operations_successful"`
	OperationsFailed     int64         `json:"operations_failed"`
	ActiveOperations     int           `json:"active_operations"`
	ErrorRate            float64       `json:"error_rate"`
	AverageSyncTime      time.Duration `json:"average_sync_time"`
	Throughput           float64       `json:"throughput"` // ops per minute over the window
	EntitiesProcessed    int64         `json:"entities_processed"`
	RelationshipsTotal   int64         `json:"relationships_processed"`
	ConflictsDetected    int64         `json:"conflicts_detected"`
	DuplicateEvents      int64         `json:"duplicate_events"`
	OutOfOrderEvents     int64         `json:"out_of_order_events"`
}

// PerformanceMetrics holds per-phase rolling averages. In absence of
// measured values, the last sampled values are retained.
type PerformanceMetrics struct {
	AverageParseTime       float64 `json:"average_parse_time_ms"`
	AverageGraphUpdateTime float64 `json:"average_graph_update_time_ms"`
	AverageEmbeddingTime   float64 `json:"average_embedding_time_ms"`
	CacheHitRate           float64 `json:"cache_hit_rate"`
	IOWaitTime             float64 `json:"io_wait_time_ms"`
	MemoryUsage            uint64  `json:"memory_usage_bytes"`
}

// Monitor is the engine's monitoring component.
type Monitor struct {
	mu sync.Mutex

	operations map[string]*types.SyncOperation
	history    []*types.SyncOperation // append order = start order
	phases     map[string]ProgressUpdate
	completions []time.Time // completion instants for the throughput window

	alerts    []Alert
	logs      []LogEntry
	anomalies []SequenceAnomaly

	sync       SyncMetrics
	perf       PerformanceMetrics
	perfSamples int64
	checkpoint *CheckpointMetrics

	clk    clock.Clock
	log    *slog.Logger
	bus    *eventbus.Bus
	alertSeq int64

	stopOnce    sync.Once
	stopCh      chan struct{}
	started     bool
	healthTimer clock.Timer

	otel otelInstruments
}

type otelInstruments struct {
	opsTotal  metric.Int64Counter
	opsFailed metric.Int64Counter
	entities  metric.Int64Counter
	conflicts metric.Int64Counter
}

// Options configures a Monitor. Nil fields get defaults; a nil Meter keeps
// instrumentation at no-op cost.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
	Bus    *eventbus.Bus
	Meter  metric.Meter
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("codeatlas")
	}
	m := &Monitor{
		operations: make(map[string]*types.SyncOperation),
		phases:     make(map[string]ProgressUpdate),
		clk:        opts.Clock,
		log:        opts.Logger,
		bus:        opts.Bus,
		stopCh:     make(chan struct{}),
	}
	m.otel.opsTotal, _ = opts.Meter.Int64Counter("atlas.operations.total")
	m.otel.opsFailed, _ = opts.Meter.Int64Counter("atlas.operations.failed")
	m.otel.entities, _ = opts.Meter.Int64Counter("atlas.entities.processed")
	m.otel.conflicts, _ = opts.Meter.Int64Counter("atlas.conflicts.detected")
	return m
}

// RecordOperationStart registers a new operation.
func (m *Monitor) RecordOperationStart(op *types.SyncOperation) {
	cp := op.Clone()
	if cp.Status == "" || cp.Status == types.StatusPending {
		cp.Status = types.StatusRunning
	}

	m.mu.Lock()
	m.operations[cp.ID] = cp
	m.history = append(m.history, cp)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.sync.OperationsTotal++
	m.appendLogLocked(LevelInfo, cp.ID, fmt.Sprintf("operation %s started (%s)", cp.ID, cp.Type), nil)
	m.mu.Unlock()

	m.otel.opsTotal.Add(context.Background(), 1)
	m.publish(eventbus.OperationStarted, cp.Clone())
}

// RecordOperationProgress updates the latest-phase map. Terminal counters
// are untouched.
func (m *Monitor) RecordOperationProgress(opID string, update ProgressUpdate) {
	m.mu.Lock()
	m.phases[opID] = update
	m.mu.Unlock()
	m.publish(eventbus.Progress, struct {
		OperationID string
		ProgressUpdate
	}{opID, update})
}

// RecordOperationComplete marks the operation completed and folds its
// measurements into the aggregates.
func (m *Monitor) RecordOperationComplete(op *types.SyncOperation) {
	now := m.clk.Now()
	cp := op.Clone()
	cp.Status = types.StatusCompleted
	if cp.EndTime == nil {
		cp.EndTime = &now
	}

	m.mu.Lock()
	m.storeTerminalLocked(cp)
	m.sync.OperationsSuccessful++
	m.completions = append(m.completions, *cp.EndTime)
	m.recomputeDerivedLocked(now)
	m.foldDurationLocked(cp)
	m.foldPerformanceLocked(cp)
	m.sync.EntitiesProcessed += int64(cp.Counters.TotalEntities())
	m.sync.RelationshipsTotal += int64(cp.Counters.TotalRelationships())
	m.appendLogLocked(LevelInfo, cp.ID, fmt.Sprintf("operation %s completed in %s", cp.ID, cp.Duration()), nil)
	m.mu.Unlock()

	m.otel.entities.Add(context.Background(), int64(cp.Counters.TotalEntities()))
	m.publish(eventbus.OperationCompleted, cp.Clone())
}

// RecordOperationFailed marks the operation failed, recomputes the error
// rate, and raises an error alert naming the operation. If a racing path
// already counted the operation as successful, the success count is
// decremented: a late failure invalidates the earlier success.
func (m *Monitor) RecordOperationFailed(op *types.SyncOperation, opErr error) {
	now := m.clk.Now()
	cp := op.Clone()
	wasCompleted := false

	m.mu.Lock()
	if prev, ok := m.operations[cp.ID]; ok && prev.Status == types.StatusCompleted {
		wasCompleted = true
	}
	cp.Status = types.StatusFailed
	if cp.EndTime == nil {
		cp.EndTime = &now
	}
	m.storeTerminalLocked(cp)
	m.sync.OperationsFailed++
	if wasCompleted && m.sync.OperationsSuccessful > 0 {
		m.sync.OperationsSuccessful--
	}
	m.recomputeDerivedLocked(now)
	msg := fmt.Sprintf("operation %s failed: %s", cp.ID, normalizeError(opErr))
	m.appendLogLocked(LevelError, cp.ID, msg, nil)
	m.raiseAlertLocked(AlertError, msg, cp.ID)
	m.mu.Unlock()

	m.otel.opsFailed.Add(context.Background(), 1)
	m.publish(eventbus.OperationFailed, cp.Clone())
}

// RecordOperationCancelled marks the operation cancelled. Cancellations are
// not failures: the error rate is unaffected.
func (m *Monitor) RecordOperationCancelled(op *types.SyncOperation) {
	now := m.clk.Now()
	cp := op.Clone()
	cp.Status = types.StatusCancelled
	if cp.EndTime == nil {
		cp.EndTime = &now
	}
	m.mu.Lock()
	m.storeTerminalLocked(cp)
	m.appendLogLocked(LevelWarn, cp.ID, fmt.Sprintf("operation %s cancelled", cp.ID), nil)
	m.mu.Unlock()
}

// RecordConflict logs a detected conflict and raises visibility through the
// conflict counter. The detecting component publishes the bus event; the
// monitor only records.
func (m *Monitor) RecordConflict(opID string, c types.Conflict) {
	m.mu.Lock()
	m.sync.ConflictsDetected++
	m.appendLogLocked(LevelWarn, opID,
		fmt.Sprintf("conflict %s on entity %s (current %s, incoming %s)", c.Type, c.EntityID, c.CurrentHash, c.IncomingHash),
		map[string]any{"entity_id": c.EntityID})
	m.mu.Unlock()

	m.otel.conflicts.Add(context.Background(), 1)
}

// RecordError logs an operation error. Non-recoverable errors additionally
// raise an error alert.
func (m *Monitor) RecordError(opID string, err error) {
	recoverable := false
	var parseErr *types.ParseError
	if errors.As(err, &parseErr) {
		recoverable = parseErr.Recoverable
	}

	m.mu.Lock()
	if recoverable {
		m.appendLogLocked(LevelWarn, opID, normalizeError(err), nil)
	} else {
		m.appendLogLocked(LevelError, opID, normalizeError(err), nil)
		m.raiseAlertLocked(AlertError, fmt.Sprintf("operation %s: %s", opID, normalizeError(err)), opID)
	}
	m.mu.Unlock()
}

// RecordSessionSequenceAnomaly counts a duplicate or out-of-order session
// event and retains the most recent anomalies.
func (m *Monitor) RecordSessionSequenceAnomaly(a SequenceAnomaly) {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.clk.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch a.Reason {
	case "duplicate":
		m.sync.DuplicateEvents++
	case "outOfOrder":
		m.sync.OutOfOrderEvents++
	}
	m.anomalies = append(m.anomalies, a)
	if len(m.anomalies) > maxAnomalies {
		m.anomalies = m.anomalies[len(m.anomalies)-maxAnomalies:]
	}
}

// RecordCheckpointMetrics stores the most recent checkpoint job metrics.
func (m *Monitor) RecordCheckpointMetrics(cm CheckpointMetrics) {
	m.mu.Lock()
	cp := cm // value copy; struct has no reference fields
	m.checkpoint = &cp
	m.mu.Unlock()
	m.publish(eventbus.CheckpointMetricsUpdated, cm)
}

// Anomalies returns the retained sequence anomalies, oldest first.
func (m *Monitor) Anomalies() []SequenceAnomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SequenceAnomaly(nil), m.anomalies...)
}

// Metrics returns a snapshot of the sync metrics.
func (m *Monitor) Metrics() SyncMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputeDerivedLocked(m.clk.Now())
	return m.sync
}

// Performance returns a snapshot of the performance metrics with a fresh
// memory sample.
func (m *Monitor) Performance() PerformanceMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.perf.MemoryUsage = ms.HeapAlloc
	return m.perf
}

// GetOperationHistory returns terminal and running operations in descending
// start time. A limit <= 0 returns everything retained.
func (m *Monitor) GetOperationHistory(limit int) []*types.SyncOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.SyncOperation, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		out = append(out, m.history[i].Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// storeTerminalLocked replaces the live record and its history entry.
func (m *Monitor) storeTerminalLocked(cp *types.SyncOperation) {
	m.operations[cp.ID] = cp
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == cp.ID {
			m.history[i] = cp
			break
		}
	}
	delete(m.phases, cp.ID)
}

// recomputeDerivedLocked refreshes errorRate, activeOperations, and the
// throughput window.
func (m *Monitor) recomputeDerivedLocked(now time.Time) {
	if m.sync.OperationsTotal > 0 {
		m.sync.ErrorRate = float64(m.sync.OperationsFailed) / float64(m.sync.OperationsTotal)
	} else {
		m.sync.ErrorRate = 0
	}

	active := 0
	for _, op := range m.operations {
		if !op.Status.IsTerminal() {
			active++
		}
	}
	m.sync.ActiveOperations = active

	cutoff := now.Add(-throughputWindow)
	kept := m.completions[:0]
	for _, t := range m.completions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.completions = kept
	m.sync.Throughput = float64(len(kept)) / throughputWindow.Minutes()
}

// foldDurationLocked updates the rolling average sync time.
func (m *Monitor) foldDurationLocked(op *types.SyncOperation) {
	n := m.sync.OperationsSuccessful
	if n <= 0 {
		return
	}
	d := op.Duration()
	m.sync.AverageSyncTime += (d - m.sync.AverageSyncTime) / time.Duration(n)
}

// foldPerformanceLocked folds measured phase timings into the rolling
// averages. Unmeasured phases retain the last sampled value.
func (m *Monitor) foldPerformanceLocked(op *types.SyncOperation) {
	m.perfSamples++
	n := float64(m.perfSamples)
	t := op.Timings
	if t.ParseMS > 0 {
		m.perf.AverageParseTime += (t.ParseMS - m.perf.AverageParseTime) / n
	}
	if t.GraphUpdateMS > 0 {
		m.perf.AverageGraphUpdateTime += (t.GraphUpdateMS - m.perf.AverageGraphUpdateTime) / n
	}
	if t.EmbeddingMS > 0 {
		m.perf.AverageEmbeddingTime += (t.EmbeddingMS - m.perf.AverageEmbeddingTime) / n
	}
	if t.IOWaitMS > 0 {
		m.perf.IOWaitTime += (t.IOWaitMS - m.perf.IOWaitTime) / n
	}
	if t.CacheHitRate > 0 {
		m.perf.CacheHitRate = t.CacheHitRate
	}
}

func (m *Monitor) publish(kind eventbus.Kind, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), eventbus.Event{Kind: kind, Timestamp: m.clk.Now(), Payload: payload})
}

// normalizeError flattens an error chain into a single-line message.
func normalizeError(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
