// Package store implements the durable state store for the Sibyl runtime core
// on SQLite: conversations, sessions, rotations, subagent calls, token usage,
// budget reconciliation, config snapshots, and phase checkpoints.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sibyl/internal/logging"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. All multi-row mutations run in short write
// transactions; the mutex serializes writers because SQLite allows only one.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the database at path, creating the schema and running any
// pending migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and sidesteps
	// SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	timer := logging.StartTimer(logging.CategoryStore, "schema init")
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	timer.Stop()

	logging.Store("State store open: %s (schema v%d)", path, CurrentSchemaVersion)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a write transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
