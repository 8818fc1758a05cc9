package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// GraphStore is the durable SQLite-backed graph store.
type GraphStore struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// NewGraphStore opens (and if needed creates) the graph database at path.
// Use ":memory:" for an ephemeral store.
func NewGraphStore(path string) (*GraphStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(graphSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply graph schema: %w", err)
	}
	return &GraphStore{db: db, path: path}, nil
}

// UpsertEntities writes the batch inside one transaction. Existing rows with
// a different hash are reported as entity_version conflicts; the incoming
// row wins. Rows whose committed epoch is newer than the call's epoch abort
// the transaction with ErrEpochTooOld.
func (s *GraphStore) UpsertEntities(ctx context.Context, epoch types.Epoch, batch []*types.Entity, opts storage.UpsertOptions) (*storage.UpsertResult, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	res := &storage.UpsertResult{}
	if len(batch) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range batch {
		var curHash string
		var curEpoch int64
		err := tx.QueryRowContext(ctx,
			`SELECT hash, epoch FROM entities WHERE id = ?`, e.ID,
		).Scan(&curHash, &curEpoch)
		switch {
		case err == sql.ErrNoRows:
			res.Created++
		case err != nil:
			return nil, fmt.Errorf("lookup entity %s: %w", e.ID, err)
		case types.Epoch(curEpoch) > epoch:
			return nil, fmt.Errorf("entity %s: %w", e.ID, storage.ErrEpochTooOld)
		case curHash == e.Hash:
			res.Unchanged++
		default:
			res.Updated++
			res.Conflicts = append(res.Conflicts, types.Conflict{
				Type:         types.ConflictEntityVersion,
				EntityID:     e.ID,
				CurrentHash:  curHash,
				IncomingHash: e.Hash,
			})
		}

		attrs, err := json.Marshal(e.Attrs)
		if err != nil {
			return nil, fmt.Errorf("marshal attrs for %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, kind, path, language, signature, hash, last_modified, attrs, epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				path = excluded.path,
				language = excluded.language,
				signature = excluded.signature,
				hash = excluded.hash,
				last_modified = excluded.last_modified,
				attrs = excluded.attrs,
				epoch = excluded.epoch`,
			e.ID, string(e.Kind), e.Path, e.Language, e.Signature, e.Hash,
			e.LastModified.UTC().Format(time.RFC3339Nano), string(attrs), int64(epoch),
		); err != nil {
			return nil, fmt.Errorf("upsert entity %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// UpsertRelationships writes the batch inside one transaction, bumping
// Version on re-seen edges and preserving FirstSeenAt.
func (s *GraphStore) UpsertRelationships(ctx context.Context, epoch types.Epoch, batch []*types.Relationship, opts storage.UpsertOptions) (*storage.UpsertResult, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	res := &storage.UpsertResult{}
	if len(batch) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, r := range batch {
		var curVersion int
		var curEpoch int64
		var curFirstSeen string
		err := tx.QueryRowContext(ctx,
			`SELECT version, epoch, first_seen_at FROM relationships
			 WHERE from_id = ? AND to_id = ? AND type = ? AND site_hash = ?`,
			r.FromID, r.ToID, string(r.Type), r.SiteHash,
		).Scan(&curVersion, &curEpoch, &curFirstSeen)

		version := r.Version
		if version < 1 {
			version = 1
		}
		firstSeen := r.FirstSeenAt
		switch {
		case err == sql.ErrNoRows:
			res.Created++
		case err != nil:
			return nil, fmt.Errorf("lookup relationship %s: %w", r.ID, err)
		case types.Epoch(curEpoch) > epoch:
			return nil, fmt.Errorf("relationship %s: %w", r.ID, storage.ErrEpochTooOld)
		default:
			version = curVersion + 1
			if t, perr := time.Parse(time.RFC3339Nano, curFirstSeen); perr == nil {
				firstSeen = t
			}
			res.Updated++
		}

		evidence, err := json.Marshal(r.Evidence)
		if err != nil {
			return nil, fmt.Errorf("marshal evidence for %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (id, from_id, to_id, type, site_hash, created, last_modified,
				version, active, first_seen_at, last_seen_at, confidence, evidence, valid_from, valid_to, epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(from_id, to_id, type, site_hash) DO UPDATE SET
				id = excluded.id,
				last_modified = excluded.last_modified,
				version = excluded.version,
				active = excluded.active,
				last_seen_at = excluded.last_seen_at,
				confidence = excluded.confidence,
				evidence = excluded.evidence,
				valid_from = excluded.valid_from,
				valid_to = excluded.valid_to,
				epoch = excluded.epoch`,
			r.ID, r.FromID, r.ToID, string(r.Type), r.SiteHash,
			fmtTime(r.Created), fmtTime(r.LastModified),
			version, boolInt(r.Active), fmtTime(firstSeen), fmtTime(r.LastSeenAt),
			r.Confidence, string(evidence), fmtTimePtr(r.ValidFrom), fmtTimePtr(r.ValidTo), int64(epoch),
		); err != nil {
			return nil, fmt.Errorf("upsert relationship %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// DeleteEntity removes the row and deactivates edges touching it.
func (s *GraphStore) DeleteEntity(ctx context.Context, id string, epoch types.Epoch) (bool, error) {
	if s.closed.Load() {
		return false, storage.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var curEpoch int64
	err = tx.QueryRowContext(ctx, `SELECT epoch FROM entities WHERE id = ?`, id).Scan(&curEpoch)
	existed := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("lookup entity %s: %w", id, err)
	}
	if existed && types.Epoch(curEpoch) > epoch {
		return false, fmt.Errorf("entity %s: %w", id, storage.ErrEpochTooOld)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("delete entity %s: %w", id, err)
	}
	now := fmtTime(time.Now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE relationships SET active = 0, valid_to = ?, epoch = ?
		WHERE (from_id = ? OR to_id = ?) AND active = 1`,
		now, int64(epoch), id, id,
	); err != nil {
		return false, fmt.Errorf("deactivate edges of %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return existed, nil
}

// Query runs a read-only SQL query with positional or named args supplied via
// the params map. The query text must use @name placeholders; values are
// bound, never substituted.
func (s *GraphStore) Query(ctx context.Context, q string, params map[string]any) ([]map[string]any, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	args := make([]any, 0, len(params))
	for k, v := range params {
		args = append(args, sql.Named(k, v))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// HealthCheck pings the database.
func (s *GraphStore) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Snapshot reads the full graph inside one transaction.
func (s *GraphStore) Snapshot(ctx context.Context) (*storage.GraphSnapshot, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	snap := &storage.GraphSnapshot{}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, path, language, signature, hash, last_modified, attrs, epoch
		FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read entities: %w", err)
	}
	for rows.Next() {
		var e types.Entity
		var kind, lastMod, attrs string
		var epoch int64
		if err := rows.Scan(&e.ID, &kind, &e.Path, &e.Language, &e.Signature, &e.Hash, &lastMod, &attrs, &epoch); err != nil {
			rows.Close()
			return nil, err
		}
		e.Kind = types.EntityKind(kind)
		e.LastModified, _ = time.Parse(time.RFC3339Nano, lastMod)
		if attrs != "" && attrs != "{}" {
			_ = json.Unmarshal([]byte(attrs), &e.Attrs)
		}
		if types.Epoch(epoch) > snap.Epoch {
			snap.Epoch = types.Epoch(epoch)
		}
		snap.Entities = append(snap.Entities, &e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `
		SELECT id, from_id, to_id, type, site_hash, created, last_modified, version,
			active, first_seen_at, last_seen_at, confidence, evidence, valid_from, valid_to, epoch
		FROM relationships ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read relationships: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r types.Relationship
		var typ, created, lastMod, firstSeen, lastSeen, evidence string
		var validFrom, validTo sql.NullString
		var active int
		var epoch int64
		if err := rows.Scan(&r.ID, &r.FromID, &r.ToID, &typ, &r.SiteHash, &created, &lastMod,
			&r.Version, &active, &firstSeen, &lastSeen, &r.Confidence, &evidence,
			&validFrom, &validTo, &epoch); err != nil {
			return nil, err
		}
		r.Type = types.RelationshipType(typ)
		r.Active = active == 1
		r.Created, _ = time.Parse(time.RFC3339Nano, created)
		r.LastModified, _ = time.Parse(time.RFC3339Nano, lastMod)
		r.FirstSeenAt, _ = time.Parse(time.RFC3339Nano, firstSeen)
		r.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeen)
		if evidence != "" && evidence != "[]" {
			_ = json.Unmarshal([]byte(evidence), &r.Evidence)
		}
		if validFrom.Valid {
			if t, err := time.Parse(time.RFC3339Nano, validFrom.String); err == nil {
				r.ValidFrom = &t
			}
		}
		if validTo.Valid {
			if t, err := time.Parse(time.RFC3339Nano, validTo.String); err == nil {
				r.ValidTo = &t
			}
		}
		if types.Epoch(epoch) > snap.Epoch {
			snap.Epoch = types.Epoch(epoch)
		}
		snap.Relationships = append(snap.Relationships, &r)
	}
	return snap, rows.Err()
}

// Restore replaces the graph with the snapshot contents in one transaction.
func (s *GraphStore) Restore(ctx context.Context, snap *storage.GraphSnapshot, epoch types.Epoch) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships`); err != nil {
		return fmt.Errorf("clear relationships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return fmt.Errorf("clear entities: %w", err)
	}

	for _, e := range snap.Entities {
		attrs, err := json.Marshal(e.Attrs)
		if err != nil {
			return fmt.Errorf("marshal attrs for %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, kind, path, language, signature, hash, last_modified, attrs, epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.Kind), e.Path, e.Language, e.Signature, e.Hash,
			fmtTime(e.LastModified), string(attrs), int64(epoch),
		); err != nil {
			return fmt.Errorf("restore entity %s: %w", e.ID, err)
		}
	}
	for _, r := range snap.Relationships {
		evidence, err := json.Marshal(r.Evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence for %s: %w", r.ID, err)
		}
		version := r.Version
		if version < 1 {
			version = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (id, from_id, to_id, type, site_hash, created, last_modified,
				version, active, first_seen_at, last_seen_at, confidence, evidence, valid_from, valid_to, epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.FromID, r.ToID, string(r.Type), r.SiteHash,
			fmtTime(r.Created), fmtTime(r.LastModified),
			version, boolInt(r.Active), fmtTime(r.FirstSeenAt), fmtTime(r.LastSeenAt),
			r.Confidence, string(evidence), fmtTimePtr(r.ValidFrom), fmtTimePtr(r.ValidTo), int64(epoch),
		); err != nil {
			return fmt.Errorf("restore relationship %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Close closes the database. Subsequent calls fail with ErrStoreClosed.
func (s *GraphStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *GraphStore) Path() string { return s.path }

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ storage.GraphStore = (*GraphStore)(nil)
