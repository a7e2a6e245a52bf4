// Package dbopen opens the coordinator's SQLite databases. Lease grants
// race against submissions and sweeps on the same tables, so every
// handle gets WAL, foreign keys, and a generous busy timeout before any
// query runs. Importing the package registers the sqlite driver.
//
//	db, err := dbopen.Open("swarm.db")
//
// Tests use OpenMemory, which pins the pool to a single connection so
// the whole test sees one in-memory database.
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// Option customises Open behaviour.
type Option func(*settings)

type settings struct {
	busyTimeoutMs int
	syncMode      string
	foreignKeys   bool
	makeParents   bool
	bootstrapSQL  []string
	verify        bool
}

// WithBusyTimeout overrides PRAGMA busy_timeout (milliseconds, default 10000).
func WithBusyTimeout(ms int) Option {
	return func(s *settings) { s.busyTimeoutMs = ms }
}

// WithSynchronous overrides PRAGMA synchronous (default NORMAL).
func WithSynchronous(mode string) Option {
	return func(s *settings) { s.syncMode = mode }
}

// WithMkdirAll creates the database file's parent directories first.
func WithMkdirAll() Option {
	return func(s *settings) { s.makeParents = true }
}

// WithSchema runs the given SQL once the pragmas are in place. May be
// given more than once; statements run in option order.
func WithSchema(ddl string) Option {
	return func(s *settings) { s.bootstrapSQL = append(s.bootstrapSQL, ddl) }
}

// WithoutPing skips the connectivity check after opening.
func WithoutPing() Option {
	return func(s *settings) { s.verify = false }
}

// Open opens the SQLite database at path, applies the coordinator
// pragmas, and runs any schema passed via WithSchema.
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := settings{busyTimeoutMs: 10_000, syncMode: "NORMAL", foreignKeys: true, verify: true}
	for _, opt := range opts {
		opt(&s)
	}

	if s.makeParents && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	fail := func(e error) (*sql.DB, error) {
		db.Close()
		return nil, e
	}

	fk := "ON"
	if !s.foreignKeys {
		fk = "OFF"
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = " + fk,
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeoutMs),
		"PRAGMA synchronous = " + s.syncMode,
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fail(fmt.Errorf("dbopen: %s: %w", pragma, err))
		}
	}

	for _, ddl := range s.bootstrapSQL {
		if _, err := db.Exec(ddl); err != nil {
			return fail(fmt.Errorf("dbopen: schema: %w", err))
		}
	}

	if s.verify {
		if err := db.Ping(); err != nil {
			return fail(fmt.Errorf("dbopen: ping: %w", err))
		}
	}
	return db, nil
}

// OpenMemory opens a throwaway in-memory database for a test and closes
// it when the test ends. Every ":memory:" connection is its own
// database, so the pool is capped at one connection.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
