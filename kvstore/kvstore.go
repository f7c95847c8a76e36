// Package kvstore is a small key-value store with per-key expirations,
// backed by an SQLite table. It holds the short-lived shared state of the
// sync pipeline: quota windows, circuit records and change digests.
//
// Keys are namespaced by prefix ("quota:", "circuit:", "cache:"). Expired
// keys read as absent and are removed by GC. Incr is a single UPSERT so the
// counter stays exact even with several writers.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Schema is the DDL for the kv table.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    expires_at INTEGER NOT NULL DEFAULT 0  -- ms since epoch, 0 = never
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at) WHERE expires_at > 0;
`

// Store is the key-value handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for expirations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store over db. Apply Schema first (see Init).
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the kv table.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("kvstore: init: %w", err)
	}
	return nil
}

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

// Get returns the value of key. ok is false when the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key. ttl <= 0 keeps the key until deleted.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

// Incr atomically increments the integer at key and returns the new value.
// A missing or expired key starts from zero and receives ttl; an existing
// live key keeps its expiry.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now().UnixMilli()
	var raw string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, '1', ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN kv.expires_at = 0 OR kv.expires_at > ?
				THEN CAST(CAST(kv.value AS INTEGER) + 1 AS TEXT) ELSE '1' END,
			expires_at = CASE WHEN kv.expires_at = 0 OR kv.expires_at > ?
				THEN kv.expires_at ELSE excluded.expires_at END
		RETURNING value`,
		key, s.expiry(ttl), now, now,
	).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("kvstore: incr %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kvstore: incr %s: non-integer value %q", key, raw)
	}
	return n, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return 0, fmt.Errorf("kvstore: delete prefix %s: %w", prefix, err)
	}
	return res.RowsAffected()
}

// Entry is a live key with its value.
type Entry struct {
	Key       string
	Value     string
	ExpiresAt time.Time // zero when the key never expires
}

// Scan returns live keys starting with prefix, ordered by key.
func (s *Store) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, expires_at FROM kv
		WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key`, len(prefix), prefix, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("kvstore: scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var exp int64
		if err := rows.Scan(&e.Key, &e.Value, &exp); err != nil {
			return nil, fmt.Errorf("kvstore: scan %s: %w", prefix, err)
		}
		if exp > 0 {
			e.ExpiresAt = time.UnixMilli(exp)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GC deletes expired keys.
func (s *Store) GC(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("kvstore: gc: %w", err)
	}
	return res.RowsAffected()
}

// RunGC calls GC every interval until ctx is cancelled.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.GC(ctx)
		}
	}
}
