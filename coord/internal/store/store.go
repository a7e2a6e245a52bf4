// Package store is the persistence layer of the coordinator: accounts,
// workers, generation requests, and their slots live in one SQLite database.
//
// Every slot state transition is a single guarded UPDATE (or a short
// transaction via dbopen.RunTx), so the "exactly one outstanding lease per
// slot" invariant holds under concurrent pollers and sweepers without any
// process-level locking.
package store

import (
	"database/sql"
	"time"
)

// Store wraps the coordinator database.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets a custom clock. Tests use this to drive TTL expiry and
// cool-down windows without sleeping.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the store's current time. Exposed so callers computing TTLs
// and cool-downs share the injected clock.
func (s *Store) Now() time.Time {
	return s.now()
}
