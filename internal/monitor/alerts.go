package monitor

import (
	"fmt"
	"time"
)

// AlertLevel ranks alert severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Alert is a raised condition needing attention. Unresolved alerts survive
// every cleanup; only resolution plus age removes them.
type Alert struct {
	ID          string     `json:"id"`
	Level       AlertLevel `json:"level"`
	Message     string     `json:"message"`
	OperationID string     `json:"operation_id,omitempty"`
	RaisedAt    time.Time  `json:"raised_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// LogLevel ranks log entry severity.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of retained operational history.
type LogEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Level       LogLevel       `json:"level"`
	OperationID string         `json:"operation_id,omitempty"`
	Message     string         `json:"message"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// raiseAlertLocked appends an alert, evicting the oldest past the cap.
func (m *Monitor) raiseAlertLocked(level AlertLevel, msg, opID string) Alert {
	m.alertSeq++
	a := Alert{
		ID:          fmt.Sprintf("alert-%d", m.alertSeq),
		Level:       level,
		Message:     msg,
		OperationID: opID,
		RaisedAt:    m.clk.Now(),
	}
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
	m.log.Warn("alert raised", "alert_id", a.ID, "level", string(level), "message", msg)
	return a
}

// appendLogLocked appends a log entry, evicting the oldest past the cap.
func (m *Monitor) appendLogLocked(level LogLevel, opID, msg string, fields map[string]any) {
	m.logs = append(m.logs, LogEntry{
		Timestamp:   m.clk.Now(),
		Level:       level,
		OperationID: opID,
		Message:     msg,
		Fields:      fields,
	})
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// RaiseAlert records an externally raised alert and returns it.
func (m *Monitor) RaiseAlert(level AlertLevel, msg, opID string) Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raiseAlertLocked(level, msg, opID)
}

// ResolveAlert marks the alert resolved. Returns false when no alert with
// that id is retained.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			if m.alerts[i].Resolved {
				return true
			}
			now := m.clk.Now()
			m.alerts[i].Resolved = true
			m.alerts[i].ResolvedAt = &now
			return true
		}
	}
	return false
}

// GetAlerts returns retained alerts oldest first. activeOnly filters to
// unresolved alerts.
func (m *Monitor) GetAlerts(activeOnly bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if activeOnly && a.Resolved {
			continue
		}
		out = append(out, a)
	}
	return out
}

// GetLogs returns the newest limit entries, newest first. limit <= 0 returns
// everything retained.
func (m *Monitor) GetLogs(limit int) []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, 0, len(m.logs))
	for i := len(m.logs) - 1; i >= 0; i-- {
		out = append(out, m.logs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetLogsByOperation returns the entries for one operation, oldest first.
func (m *Monitor) GetLogsByOperation(opID string) []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, e := range m.logs {
		if e.OperationID == opID {
			out = append(out, e)
		}
	}
	return out
}

// defaultCleanupAge is the cutoff used when Cleanup has to infer one.
const defaultCleanupAge = 24 * time.Hour

// Cleanup drops retained history older than maxAge. Unresolved alerts are
// never dropped regardless of age.
//
// Called without an age it inspects the history: when entries span the
// default 24h cutoff it behaves like Cleanup(24h); when everything retained
// is on one side of the cutoff it clears terminal history, logs, and
// resolved alerts entirely. Running operations and the aggregate counters
// always survive.
func (m *Monitor) Cleanup(maxAge ...time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var cutoff time.Time
	switch {
	case len(maxAge) > 0:
		cutoff = now.Add(-maxAge[0])
	case m.historySpansLocked(now.Add(-defaultCleanupAge)):
		cutoff = now.Add(-defaultCleanupAge)
	default:
		cutoff = now // full reset of terminal history
	}

	kept := m.history[:0]
	for _, op := range m.history {
		terminal := op.Status.IsTerminal()
		endedBefore := terminal && op.EndTime != nil && op.EndTime.Before(cutoff)
		if terminal && (endedBefore || cutoff.Equal(now)) {
			if cur, ok := m.operations[op.ID]; ok && cur == op {
				delete(m.operations, op.ID)
			}
			continue
		}
		kept = append(kept, op)
	}
	m.history = kept

	keptLogs := m.logs[:0]
	for _, e := range m.logs {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		keptLogs = append(keptLogs, e)
	}
	m.logs = keptLogs

	keptAlerts := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Resolved && a.RaisedAt.Before(cutoff) {
			continue
		}
		keptAlerts = append(keptAlerts, a)
	}
	m.alerts = keptAlerts
}

// historySpansLocked reports whether retained terminal history has entries
// on both sides of the cutoff.
func (m *Monitor) historySpansLocked(cutoff time.Time) bool {
	older, newer := false, false
	for _, op := range m.history {
		if !op.Status.IsTerminal() || op.EndTime == nil {
			continue
		}
		if op.EndTime.Before(cutoff) {
			older = true
		} else {
			newer = true
		}
		if older && newer {
			return true
		}
	}
	return false
}
