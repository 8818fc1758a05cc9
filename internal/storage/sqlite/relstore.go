package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/codeatlas-io/codeatlas/internal/storage"
)

// RelStore adapts a SQLite database to the storage.RelStore contract. The
// rollback store drives its schema and queries through this; RelStore itself
// knows nothing about the tables.
type RelStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// NewRelStore opens the relational database at path (":memory:" for tests).
func NewRelStore(path string) (*RelStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &RelStore{db: db}, nil
}

func (s *RelStore) BeginTx(ctx context.Context) (storage.Tx, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &relTx{tx: tx, ctx: ctx}, nil
}

func (s *RelStore) Exec(ctx context.Context, q string, args ...any) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *RelStore) Query(ctx context.Context, q string, args ...any) (storage.Rows, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RelStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type relTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *relTx) Exec(q string, args ...any) error {
	_, err := t.tx.ExecContext(t.ctx, q, args...)
	return err
}

func (t *relTx) Query(q string, args ...any) (storage.Rows, error) {
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *relTx) Commit() error   { return t.tx.Commit() }
func (t *relTx) Rollback() error { return t.tx.Rollback() }

var _ storage.RelStore = (*RelStore)(nil)
