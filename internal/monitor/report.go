package monitor

import (
	"time"

	"github.com/codeatlas-io/codeatlas/internal/types"
)

// Report is a point-in-time snapshot of everything the monitor tracks,
// suitable for the status command and for JSON export.
type Report struct {
	GeneratedAt      time.Time              `json:"generated_at"`
	Health           HealthReport           `json:"health"`
	Sync             SyncMetrics            `json:"sync"`
	Performance      PerformanceMetrics     `json:"performance"`
	RecentOperations []*types.SyncOperation `json:"recent_operations"`
	ActiveAlerts     []Alert                `json:"active_alerts"`
	Checkpoint       *CheckpointMetrics     `json:"checkpoint,omitempty"`
	Anomalies        []SequenceAnomaly      `json:"anomalies,omitempty"`
}

// reportRecentOps bounds the operations embedded in a report.
const reportRecentOps = 10

// GenerateReport assembles a consistent snapshot under one lock acquisition.
func (m *Monitor) GenerateReport() *Report {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	health := m.healthLocked(now)

	recent := make([]*types.SyncOperation, 0, reportRecentOps)
	for i := len(m.history) - 1; i >= 0 && len(recent) < reportRecentOps; i-- {
		recent = append(recent, m.history[i].Clone())
	}

	var active []Alert
	for _, a := range m.alerts {
		if !a.Resolved {
			active = append(active, a)
		}
	}

	var cp *CheckpointMetrics
	if m.checkpoint != nil {
		v := *m.checkpoint
		cp = &v
	}

	return &Report{
		GeneratedAt:      now,
		Health:           health,
		Sync:             m.sync,
		Performance:      m.perf,
		RecentOperations: recent,
		ActiveAlerts:     active,
		Checkpoint:       cp,
		Anomalies:        append([]SequenceAnomaly(nil), m.anomalies...),
	}
}
