// Package dbopen opens the SQLite files that hold the staging store, the
// job queue, the key/value windows and the audit journal.
//
// Every connection gets foreign_keys=ON, journal_mode=WAL,
// busy_timeout=10000 and synchronous=NORMAL. Tests use OpenMemory:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/sheetledger/trace"
)

const memoryPath = ":memory:"

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

type options struct {
	driver   string
	mkdir    bool
	maxConns int
	schemas  []string
}

// Option configures Open.
type Option func(*options)

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdir = true } }

// WithTracing opens through the trace driver so every statement is timed.
func WithTracing() Option { return func(o *options) { o.driver = trace.DriverName } }

// WithSchema runs DDL after the pragmas, in the order given. Statements
// must be idempotent because every process start replays them.
func WithSchema(ddl ...string) Option {
	return func(o *options) { o.schemas = append(o.schemas, ddl...) }
}

// Open opens the database at path and prepares it for use.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{driver: "sqlite"}
	for _, fn := range opts {
		fn(&o)
	}
	if o.mkdir && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}
	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if o.maxConns > 0 {
		db.SetMaxOpenConns(o.maxConns)
	}
	if err := prepare(db, o.schemas); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func prepare(db *sql.DB, schemas []string) error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	for i, ddl := range schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("dbopen: schema #%d: %w", i, err)
		}
	}
	return db.Ping()
}

// OpenMemory returns an in-memory database closed by t.Cleanup. The pool
// holds one connection since each ":memory:" connection is its own
// database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	opts = append([]Option{func(o *options) { o.maxConns = 1 }}, opts...)
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
