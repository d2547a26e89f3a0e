// Package store is Delegate's durable relational state: one SQLite database
// per team holding messages, tasks, comments, reviews, activity and
// worktree records. It is the only component that mutates persistent
// entities; everyone else reads copies returned from its typed operations.
//
// Grounded on the teacher's internal/infrastructure/sqlite repositories
// (plain database/sql, typed scan helpers, sentinel not-found errors) and
// internal/testutil/db.go's schema-via-Exec bootstrap, using the same
// pure-Go ncruces/go-sqlite3 driver so the whole module stays CGO-free.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/nikhilgarg28/delegate/internal/core/errs"
)

// Store is a single team's durable state. Writes are serialized by mu
// (single-writer discipline per team database). Reads use the same *sql.DB
// handle, which is limited to one connection, so a read waits while a
// write transaction holds that connection.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	teamID string
	path   string
}

// Open creates (if needed) the parent directory and the database file at
// path, applies the schema idempotently, and returns a ready Store scoped
// to teamID. Multiple teams never share a Store; each gets its own file.
func Open(path, teamID string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: one connection avoids SQLITE_BUSY under our own mutex

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, teamID: teamID, path: path}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory(teamID string) (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, teamID: teamID}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// TeamID is the team this store instance is scoped to.
func (s *Store) TeamID() string { return s.teamID }

// withTx serializes writers through mu and runs fn inside one transaction,
// rolling back on any error so multi-table updates are atomic. A wrapped
// errs.ErrInvariantViolation from fn is propagated unchanged to the caller.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func invariant(reason string) error {
	return fmt.Errorf("%s: %w", reason, errs.ErrInvariantViolation)
}

func timePtr(t time.Time) *time.Time { return &t }
