// Package sqlite implements the storage contracts on SQLite via the pure-Go
// modernc driver. It provides the durable GraphStore adapter and the
// RelStore used for persisted rollback metadata.
//
// Layout follows the per-concern split used elsewhere in the tree:
//
//   - sqlite.go:   open/close, pragmas, connection sizing
//   - schema.go:   graph schema definition
//   - graph.go:    GraphStore implementation
//   - relstore.go: RelStore implementation (transactional plumbing)
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	_ "modernc.org/sqlite"
)

// openDB opens a SQLite database with the pragmas the engine relies on:
// foreign keys on (cascade deletes), busy timeout for writer contention, and
// WAL for file-backed databases.
func openDB(path string) (*sql.DB, error) {
	var connStr string
	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if inMemory {
		// WAL does not apply to in-memory databases.
		connStr = "file::memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(30000)"
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if inMemory {
		// In-memory databases are per-connection; a pool would see N
		// independent empty databases.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus readers; cap the pool so writer
		// contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
	}
	return db, nil
}
