package monitor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeatlas-io/codeatlas/internal/clock"
	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, opts Options) (*Monitor, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(t0)
	opts.Clock = fc
	m := New(opts)
	t.Cleanup(m.Close)
	return m, fc
}

func op(id string, start time.Time) *types.SyncOperation {
	return &types.SyncOperation{ID: id, Type: types.SyncIncremental, Status: types.StatusRunning, StartTime: start}
}

func completeAt(m *Monitor, fc *clock.Fake, o *types.SyncOperation, end time.Time) {
	fc.Set(end)
	o.EndTime = &end
	m.RecordOperationComplete(o)
}

func TestSequentialCompletions(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	// Two back-to-back operations: 1000s and 2000s long.
	a := op("op-1", t0)
	m.RecordOperationStart(a)
	completeAt(m, fc, a, t0.Add(1000*time.Second))

	b := op("op-2", t0.Add(1000*time.Second))
	m.RecordOperationStart(b)
	completeAt(m, fc, b, t0.Add(3000*time.Second))

	got := m.Metrics()
	assert.EqualValues(t, 2, got.OperationsTotal)
	assert.EqualValues(t, 2, got.OperationsSuccessful)
	assert.Zero(t, got.OperationsFailed)
	assert.Equal(t, 1500*time.Second, got.AverageSyncTime)
	// Only op-2 completed inside the 5-minute window.
	assert.InDelta(t, 0.2, got.Throughput, 1e-9)
	assert.Zero(t, got.ErrorRate)
	assert.Zero(t, got.ActiveOperations)
}

func TestConsecutiveFailuresUnhealthy(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})

	for i := 1; i <= 4; i++ {
		o := op(fmt.Sprintf("op-%d", i), t0)
		m.RecordOperationStart(o)
		m.RecordOperationFailed(o, errors.New("store unavailable"))
	}

	h := m.Health()
	assert.Equal(t, HealthUnhealthy, h.Status)
	assert.Equal(t, 4, h.ConsecutiveFailures)
	assert.InDelta(t, 1.0, h.ErrorRate, 1e-9)
}

func TestShortFailureStreakDegraded(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	a := op("op-1", t0)
	m.RecordOperationStart(a)
	completeAt(m, fc, a, t0.Add(time.Second))

	b := op("op-2", t0.Add(time.Second))
	m.RecordOperationStart(b)
	m.RecordOperationFailed(b, errors.New("boom"))

	h := m.Health()
	assert.Equal(t, HealthDegraded, h.Status)
	assert.Equal(t, 1, h.ConsecutiveFailures)
}

func TestSuccessBreaksStreak(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	for i := 1; i <= 5; i++ {
		o := op(fmt.Sprintf("op-%d", i), t0)
		m.RecordOperationStart(o)
		m.RecordOperationFailed(o, errors.New("boom"))
	}
	ok := op("op-ok", t0)
	m.RecordOperationStart(ok)
	completeAt(m, fc, ok, t0.Add(time.Second))

	h := m.Health()
	assert.Zero(t, h.ConsecutiveFailures)
	// Error rate 5/6 still marks the engine degraded.
	assert.Equal(t, HealthDegraded, h.Status)
}

func TestAlertResolution(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})

	o := op("op-1", t0)
	m.RecordOperationStart(o)
	m.RecordOperationFailed(o, errors.New("disk full"))

	active := m.GetAlerts(true)
	require.Len(t, active, 1)
	assert.Equal(t, AlertError, active[0].Level)
	assert.Equal(t, "op-1", active[0].OperationID)

	require.True(t, m.ResolveAlert(active[0].ID))
	assert.Empty(t, m.GetAlerts(true))

	all := m.GetAlerts(false)
	require.Len(t, all, 1)
	assert.True(t, all[0].Resolved)
	require.NotNil(t, all[0].ResolvedAt)

	assert.False(t, m.ResolveAlert("alert-999"))
}

func TestAlertCapFIFO(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})

	for i := 0; i < maxAlerts+1; i++ {
		m.RaiseAlert(AlertWarning, fmt.Sprintf("alert %d", i), "")
	}

	all := m.GetAlerts(false)
	require.Len(t, all, maxAlerts)
	assert.Equal(t, "alert-2", all[0].ID, "oldest alert evicted")
	assert.Equal(t, fmt.Sprintf("alert-%d", maxAlerts+1), all[len(all)-1].ID)
}

func TestLogCapFIFO(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})

	for i := 1; i <= maxLogs+1; i++ {
		m.RecordConflict("op-1", types.Conflict{
			Type: types.ConflictEntityVersion, EntityID: fmt.Sprintf("e-%d", i),
		})
	}

	logs := m.GetLogs(0)
	require.Len(t, logs, maxLogs)
	assert.Contains(t, logs[0].Message, "e-1001", "newest first")
	assert.Contains(t, logs[len(logs)-1].Message, "e-2", "e-1 evicted")

	got := m.Metrics()
	assert.EqualValues(t, maxLogs+1, got.ConflictsDetected)
}

func TestOperationHistoryOrderingAndLimit(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	for i := 1; i <= 3; i++ {
		o := op(fmt.Sprintf("op-%d", i), t0.Add(time.Duration(i)*time.Minute))
		m.RecordOperationStart(o)
		completeAt(m, fc, o, o.StartTime.Add(time.Second))
	}

	recent := m.GetOperationHistory(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "op-3", recent[0].ID)
	assert.Equal(t, "op-2", recent[1].ID)

	all := m.GetOperationHistory(0)
	assert.Len(t, all, 3)

	// Returned copies must not alias monitor state.
	recent[0].Status = types.StatusFailed
	again := m.GetOperationHistory(1)
	assert.Equal(t, types.StatusCompleted, again[0].Status)
}

func TestGetLogsByOperation(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})

	a := op("op-a", t0)
	b := op("op-b", t0)
	m.RecordOperationStart(a)
	m.RecordOperationStart(b)
	m.RecordError("op-a", errors.New("transient read error"))

	logs := m.GetLogsByOperation("op-a")
	require.Len(t, logs, 2)
	assert.Contains(t, logs[0].Message, "started")
	assert.Contains(t, logs[1].Message, "transient read error")
}

func TestRecoverableErrorNoAlert(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})

	m.RecordError("op-1", &types.ParseError{
		File: "a.go", Type: "syntax", Message: "unexpected token", Recoverable: true, Timestamp: t0,
	})
	assert.Empty(t, m.GetAlerts(true))

	m.RecordError("op-1", &types.ParseError{
		File: "b.go", Type: "io", Message: "read failed", Recoverable: false, Timestamp: t0,
	})
	assert.Len(t, m.GetAlerts(true), 1)
}

func TestLateFailureInvalidatesSuccess(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	o := op("op-1", t0)
	m.RecordOperationStart(o)
	completeAt(m, fc, o, t0.Add(time.Second))

	m.RecordOperationFailed(o, errors.New("commit verification failed"))

	got := m.Metrics()
	assert.EqualValues(t, 1, got.OperationsTotal)
	assert.Zero(t, got.OperationsSuccessful)
	assert.EqualValues(t, 1, got.OperationsFailed)
	assert.InDelta(t, 1.0, got.ErrorRate, 1e-9)

	hist := m.GetOperationHistory(1)
	assert.Equal(t, types.StatusFailed, hist[0].Status)
}

func TestCancellationNotCountedAsFailure(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})

	o := op("op-1", t0)
	m.RecordOperationStart(o)
	m.RecordOperationCancelled(o)

	got := m.Metrics()
	assert.Zero(t, got.OperationsFailed)
	assert.Zero(t, got.ErrorRate)
	h := m.Health()
	assert.Equal(t, HealthHealthy, h.Status)
}

func TestSequenceAnomalies(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})

	m.RecordSessionSequenceAnomaly(SequenceAnomaly{SessionID: "s1", SequenceNumber: 5, PreviousSequence: 5, Reason: "duplicate"})
	m.RecordSessionSequenceAnomaly(SequenceAnomaly{SessionID: "s1", SequenceNumber: 3, PreviousSequence: 5, Reason: "outOfOrder"})

	got := m.Metrics()
	assert.EqualValues(t, 1, got.DuplicateEvents)
	assert.EqualValues(t, 1, got.OutOfOrderEvents)
	assert.Len(t, m.Anomalies(), 2)

	for i := 0; i < maxAnomalies+10; i++ {
		m.RecordSessionSequenceAnomaly(SequenceAnomaly{SessionID: "s2", Reason: "duplicate"})
	}
	assert.Len(t, m.Anomalies(), maxAnomalies)
}

func TestCheckpointMetricsDeepCopy(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	evts, cancel := bus.Subscribe(eventbus.CheckpointMetricsUpdated, 4)
	defer cancel()

	m, _ := newTestMonitor(t, Options{Bus: bus})
	m.RecordCheckpointMetrics(CheckpointMetrics{
		RollbackPointID: "rp-1", Duration: 2 * time.Second, Entities: 10, SizeBytes: 512, CreatedAt: t0,
	})

	select {
	case ev := <-evts:
		cm, ok := ev.Payload.(CheckpointMetrics)
		require.True(t, ok)
		assert.Equal(t, "rp-1", cm.RollbackPointID)
	case <-time.After(time.Second):
		t.Fatal("no checkpoint metrics event")
	}

	rep := m.GenerateReport()
	require.NotNil(t, rep.Checkpoint)
	assert.Equal(t, 10, rep.Checkpoint.Entities)
}

func TestCleanupWithExplicitAge(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	old := op("op-old", t0.Add(-48*time.Hour))
	m.RecordOperationStart(old)
	completeAt(m, fc, old, t0.Add(-48*time.Hour).Add(time.Second))

	fc.Set(t0)
	fresh := op("op-new", t0)
	m.RecordOperationStart(fresh)
	completeAt(m, fc, fresh, t0.Add(time.Second))

	m.RaiseAlert(AlertWarning, "stale but unresolved", "")

	fc.Set(t0.Add(time.Minute))
	m.Cleanup(24 * time.Hour)

	hist := m.GetOperationHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, "op-new", hist[0].ID)

	// Unresolved alerts always survive.
	assert.Len(t, m.GetAlerts(true), 1)
}

func TestCleanupNoArgFullReset(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	// Everything recent: no-arg cleanup clears terminal history and logs.
	a := op("op-1", t0)
	m.RecordOperationStart(a)
	completeAt(m, fc, a, t0.Add(time.Second))

	running := op("op-run", t0)
	m.RecordOperationStart(running)

	m.RaiseAlert(AlertWarning, "unresolved", "")
	resolved := m.RaiseAlert(AlertInfo, "resolved", "")
	m.ResolveAlert(resolved.ID)

	fc.Advance(time.Minute)
	m.Cleanup()

	hist := m.GetOperationHistory(0)
	require.Len(t, hist, 1, "running operations survive")
	assert.Equal(t, "op-run", hist[0].ID)
	assert.Empty(t, m.GetLogs(0))

	all := m.GetAlerts(false)
	require.Len(t, all, 1, "resolved alerts cleared, unresolved kept")
	assert.False(t, all[0].Resolved)

	// Aggregate counters survive a reset.
	got := m.Metrics()
	assert.EqualValues(t, 2, got.OperationsTotal)
}

func TestCleanupNoArgSpanningHistory(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	old := op("op-old", t0.Add(-48*time.Hour))
	m.RecordOperationStart(old)
	completeAt(m, fc, old, t0.Add(-48*time.Hour).Add(time.Second))

	fc.Set(t0)
	fresh := op("op-new", t0)
	m.RecordOperationStart(fresh)
	completeAt(m, fc, fresh, t0.Add(time.Second))

	fc.Set(t0.Add(time.Minute))
	m.Cleanup()

	// History spans 24h: age-based removal, recent entries kept.
	hist := m.GetOperationHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, "op-new", hist[0].ID)
	assert.NotEmpty(t, m.GetLogs(0), "recent logs survive")
}

func TestBackgroundHealthCheck(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	evts, cancel := bus.Subscribe(eventbus.HealthCheck, 8)
	defer cancel()

	m, fc := newTestMonitor(t, Options{Bus: bus})

	o := op("op-1", t0)
	m.RecordOperationStart(o)
	m.RecordOperationFailed(o, errors.New("boom"))

	m.Start()
	fc.Advance(healthCheckInterval)

	select {
	case ev := <-evts:
		rep, ok := ev.Payload.(HealthReport)
		require.True(t, ok)
		assert.Equal(t, HealthDegraded, rep.Status)
	case <-time.After(time.Second):
		t.Fatal("no health check event")
	}

	// Degraded health raised a warning alert alongside the failure alert.
	var warnings int
	for _, a := range m.GetAlerts(true) {
		if a.Level == AlertWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	m.Close()
	m.Close() // idempotent
}

func TestReportSnapshot(t *testing.T) {
	m, fc := newTestMonitor(t, Options{})

	o := op("op-1", t0)
	m.RecordOperationStart(o)
	completeAt(m, fc, o, t0.Add(2*time.Second))

	rep := m.GenerateReport()
	assert.Equal(t, HealthHealthy, rep.Health.Status)
	assert.EqualValues(t, 1, rep.Sync.OperationsTotal)
	require.Len(t, rep.RecentOperations, 1)
	assert.Equal(t, "op-1", rep.RecentOperations[0].ID)
	assert.Empty(t, rep.ActiveAlerts)
}
