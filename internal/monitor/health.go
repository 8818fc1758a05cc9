package monitor

import (
	"fmt"
	"time"

	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// HealthStatus is the derived engine condition.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// degradedErrorRate is the error-rate threshold above which the engine is
// considered degraded even without a failure streak.
const degradedErrorRate = 0.1

// HealthReport is one health evaluation.
type HealthReport struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ErrorRate           float64      `json:"error_rate"`
	ActiveOperations    int          `json:"active_operations"`
	ActiveAlerts        int          `json:"active_alerts"`
	CheckedAt           time.Time    `json:"checked_at"`
}

// Health evaluates the current engine health.
//
// A streak of more than three consecutive failures (scanning the most recent
// operations, newest first) is unhealthy. A shorter streak, or an error rate
// above 10%, is degraded.
func (m *Monitor) Health() HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthLocked(m.clk.Now())
}

func (m *Monitor) healthLocked(now time.Time) HealthReport {
	m.recomputeDerivedLocked(now)

	streak := 0
	scanned := 0
	for i := len(m.history) - 1; i >= 0 && scanned < consecutiveFailureScan; i-- {
		op := m.history[i]
		if !op.Status.IsTerminal() {
			continue
		}
		scanned++
		if op.Status == types.StatusFailed {
			streak++
			continue
		}
		break
	}

	status := HealthHealthy
	switch {
	case streak > 3:
		status = HealthUnhealthy
	case streak >= 1 || m.sync.ErrorRate > degradedErrorRate:
		status = HealthDegraded
	}

	active := 0
	for _, a := range m.alerts {
		if !a.Resolved {
			active++
		}
	}

	return HealthReport{
		Status:              status,
		ConsecutiveFailures: streak,
		ErrorRate:           m.sync.ErrorRate,
		ActiveOperations:    m.sync.ActiveOperations,
		ActiveAlerts:        active,
		CheckedAt:           now,
	}
}

// Start launches the periodic background health check. It runs until Close
// is called. Starting twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	m.armHealthTimer()
}

func (m *Monitor) armHealthTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stopCh:
		return
	default:
	}
	m.healthTimer = m.clk.AfterFunc(healthCheckInterval, func() {
		m.runHealthCheck()
		m.armHealthTimer()
	})
}

// runHealthCheck evaluates health, publishes the report, and raises an
// alert when the engine is not healthy.
func (m *Monitor) runHealthCheck() {
	now := m.clk.Now()

	m.mu.Lock()
	report := m.healthLocked(now)
	switch report.Status {
	case HealthDegraded:
		m.raiseAlertLocked(AlertWarning,
			fmt.Sprintf("engine degraded: %d consecutive failures, error rate %.2f", report.ConsecutiveFailures, report.ErrorRate), "")
	case HealthUnhealthy:
		m.raiseAlertLocked(AlertCritical,
			fmt.Sprintf("engine unhealthy: %d consecutive failures", report.ConsecutiveFailures), "")
	}
	m.mu.Unlock()

	m.publish(eventbus.HealthCheck, report)
}

// Close stops the background health check. Idempotent.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		if m.healthTimer != nil {
			m.healthTimer.Stop()
		}
		m.mu.Unlock()
	})
}
