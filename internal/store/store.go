// Package store is the persistence layer: a single SQLite database holding
// the plan graph, artifacts, reviews, events and every append-only log the
// engine writes. All engine state flows through this package.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"taskloom/internal/logging"
)

// Store wraps the SQLite database. One Store per process; the engine is a
// single-writer loop, external readers open their own WAL connections.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the database at path, creating directories, the schema
// and applying pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The engine serializes writes itself; a single connection keeps
	// SQLite's locking out of the picture.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryStore).Infow("store opened", "path", path)
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// DB exposes the raw handle for observability queries.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
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

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
