// Package store is the relational data access layer of the sync pipeline:
// staged transactions, anomalies, temporal locks, unlock grants, the sheet
// registry, categorization hints, budgets and sync history.
package store

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStale is returned when a guarded update found the row in another
	// state than expected.
	ErrStale = errors.New("store: row changed concurrently")
)

// Store wraps the pipeline database.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// NewStore creates a Store from an opened database with Schema applied.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

// WithClock returns a copy of s using now for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{DB: s.DB, now: now}
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }
