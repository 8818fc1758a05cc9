package rollback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// rollbackSchema defines the three persisted tables. Cascade delete on the
// point is mandatory; the indexes match the documented query paths.
const rollbackSchema = `
CREATE TABLE IF NOT EXISTS rollback_points (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    timestamp DATETIME NOT NULL,
    expires_at DATETIME,
    session_id TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_rollback_points_session ON rollback_points(session_id);
CREATE INDEX IF NOT EXISTS idx_rollback_points_expires ON rollback_points(expires_at);

CREATE TABLE IF NOT EXISTS rollback_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rollback_point_id TEXT NOT NULL REFERENCES rollback_points(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    data BLOB NOT NULL,
    size_bytes INTEGER NOT NULL,
    checksum TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_rollback_snapshots_point ON rollback_snapshots(rollback_point_id);

CREATE TABLE IF NOT EXISTS rollback_operations (
    id TEXT PRIMARY KEY,
    rollback_point_id TEXT NOT NULL REFERENCES rollback_points(id) ON DELETE CASCADE,
    type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0,
    strategy TEXT NOT NULL DEFAULT 'full',
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    error TEXT NOT NULL DEFAULT '',
    log TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_rollback_operations_status ON rollback_operations(status);
CREATE INDEX IF NOT EXISTS idx_rollback_operations_point ON rollback_operations(rollback_point_id);
`

// SQLPersistence stores rollback metadata through a storage.RelStore.
type SQLPersistence struct {
	rel storage.RelStore
}

// NewSQLPersistence applies the schema and returns the persistence layer.
func NewSQLPersistence(ctx context.Context, rel storage.RelStore) (*SQLPersistence, error) {
	if err := rel.Exec(ctx, rollbackSchema); err != nil {
		return nil, fmt.Errorf("apply rollback schema: %w", err)
	}
	return &SQLPersistence{rel: rel}, nil
}

func (p *SQLPersistence) SavePoint(ctx context.Context, pt *types.RollbackPoint) error {
	meta, err := json.Marshal(pt.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tx, err := p.rel.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.Exec(`
		INSERT INTO rollback_points (id, name, description, timestamp, expires_at, session_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata`,
		pt.ID, pt.Name, pt.Description, fmtTime(pt.Timestamp), fmtTimePtr(pt.ExpiresAt), pt.SessionID, string(meta),
	); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *SQLPersistence) LoadPoint(ctx context.Context, id string) (*types.RollbackPoint, error) {
	rows, err := p.rel.Query(ctx, `
		SELECT id, name, description, timestamp, expires_at, session_id, metadata
		FROM rollback_points WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, types.ErrNotFound
	}
	return scanPoint(rows)
}

func (p *SQLPersistence) ListPoints(ctx context.Context) ([]*types.RollbackPoint, error) {
	rows, err := p.rel.Query(ctx, `
		SELECT id, name, description, timestamp, expires_at, session_id, metadata
		FROM rollback_points ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.RollbackPoint
	for rows.Next() {
		pt, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *SQLPersistence) DeletePoint(ctx context.Context, id string) (bool, error) {
	tx, err := p.rel.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	rows, err := tx.Query(`SELECT 1 FROM rollback_points WHERE id = ?`, id)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	existed := rows.Next()
	rows.Close()
	// Cascade removes snapshots and operations with the point.
	if err := tx.Exec(`DELETE FROM rollback_points WHERE id = ?`, id); err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return existed, nil
}

func (p *SQLPersistence) SaveSnapshot(ctx context.Context, s *types.Snapshot) error {
	tx, err := p.rel.BeginTx(ctx)
	if err != nil {
		return err
	}
	rows, err := tx.Query(`SELECT 1 FROM rollback_points WHERE id = ?`, s.RollbackPointID)
	if err != nil {
		tx.Rollback()
		return err
	}
	ok := rows.Next()
	rows.Close()
	if !ok {
		tx.Rollback()
		return types.ErrNotFound
	}
	if err := tx.Exec(`
		INSERT INTO rollback_snapshots (rollback_point_id, type, data, size_bytes, checksum)
		VALUES (?, ?, ?, ?, ?)`,
		s.RollbackPointID, string(s.Type), s.Data, s.SizeBytes, s.Checksum,
	); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *SQLPersistence) ListSnapshots(ctx context.Context, pointID string) ([]*types.Snapshot, error) {
	rows, err := p.rel.Query(ctx, `
		SELECT rollback_point_id, type, data, size_bytes, checksum
		FROM rollback_snapshots WHERE rollback_point_id = ? ORDER BY id`, pointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Snapshot
	for rows.Next() {
		var s types.Snapshot
		var typ string
		if err := rows.Scan(&s.RollbackPointID, &typ, &s.Data, &s.SizeBytes, &s.Checksum); err != nil {
			return nil, err
		}
		s.Type = types.SnapshotType(typ)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *SQLPersistence) SaveOperation(ctx context.Context, op *types.RollbackOperation) error {
	logJSON, err := json.Marshal(op.Log)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	tx, err := p.rel.BeginTx(ctx)
	if err != nil {
		return err
	}
	rows, err := tx.Query(`SELECT 1 FROM rollback_points WHERE id = ?`, op.TargetRollbackPointID)
	if err != nil {
		tx.Rollback()
		return err
	}
	ok := rows.Next()
	rows.Close()
	if !ok {
		tx.Rollback()
		return types.ErrNotFound
	}
	if err := tx.Exec(`
		INSERT INTO rollback_operations (id, rollback_point_id, type, status, progress, strategy, started_at, completed_at, error, log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			completed_at = excluded.completed_at,
			error = excluded.error,
			log = excluded.log`,
		op.ID, op.TargetRollbackPointID, op.Type, string(op.Status), op.Progress,
		string(op.Strategy), fmtTime(op.StartedAt), fmtTimePtr(op.CompletedAt), op.Error, string(logJSON),
	); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *SQLPersistence) LoadOperation(ctx context.Context, id string) (*types.RollbackOperation, error) {
	rows, err := p.rel.Query(ctx, `
		SELECT id, rollback_point_id, type, status, progress, strategy, started_at, completed_at, error, log
		FROM rollback_operations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, types.ErrNotFound
	}
	return scanOperation(rows)
}

func (p *SQLPersistence) ListOperations(ctx context.Context) ([]*types.RollbackOperation, error) {
	rows, err := p.rel.Query(ctx, `
		SELECT id, rollback_point_id, type, status, progress, strategy, started_at, completed_at, error, log
		FROM rollback_operations ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.RollbackOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (p *SQLPersistence) DeleteOperation(ctx context.Context, id string) (bool, error) {
	rows, err := p.rel.Query(ctx, `SELECT 1 FROM rollback_operations WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	existed := rows.Next()
	rows.Close()
	if !existed {
		return false, nil
	}
	if err := p.rel.Exec(ctx, `DELETE FROM rollback_operations WHERE id = ?`, id); err != nil {
		return false, err
	}
	return true, nil
}

func (p *SQLPersistence) Close() error { return p.rel.Close() }

func scanPoint(rows storage.Rows) (*types.RollbackPoint, error) {
	var pt types.RollbackPoint
	var ts string
	var expires sql.NullString
	var meta string
	if err := rows.Scan(&pt.ID, &pt.Name, &pt.Description, &ts, &expires, &pt.SessionID, &meta); err != nil {
		return nil, err
	}
	pt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if expires.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expires.String); err == nil {
			pt.ExpiresAt = &t
		}
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &pt.Metadata)
	}
	return &pt, nil
}

func scanOperation(rows storage.Rows) (*types.RollbackOperation, error) {
	var op types.RollbackOperation
	var status, strategy, started, logJSON string
	var completed sql.NullString
	if err := rows.Scan(&op.ID, &op.TargetRollbackPointID, &op.Type, &status, &op.Progress,
		&strategy, &started, &completed, &op.Error, &logJSON); err != nil {
		return nil, err
	}
	op.Status = types.OperationStatus(status)
	op.Strategy = types.RollbackStrategy(strategy)
	op.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			op.CompletedAt = &t
		}
	}
	if logJSON != "" && logJSON != "[]" {
		_ = json.Unmarshal([]byte(logJSON), &op.Log)
	}
	return &op, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

var _ Persistence = (*SQLPersistence)(nil)
