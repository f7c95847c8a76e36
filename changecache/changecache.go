// Package changecache skips reconciliation of spreadsheet periods whose
// content has not changed. A digest of the raw cells is stored per
// (sheet, period) after a successful reconciliation; the next pass compares
// against it. Entries expire so drift is never masked indefinitely.
package changecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/sheetledger/kvstore"
)

// Hash domains. The version suffix allows changing the encoding later
// without colliding with stored digests.
const (
	DomainSheet = "sheetledger/sheet/v1"
	DomainRow   = "sheetledger/row/v1"
)

const keyPrefix = "cache:"

// Digest hashes a block of rows. Cells are NFC-normalized and trimmed of
// trailing empty cells so that a provider returning ragged rows does not
// change the digest.
func Digest(rows [][]string) string {
	h := sha256.New()
	h.Write([]byte(DomainSheet))
	h.Write([]byte{0x00})
	for _, row := range rows {
		end := len(row)
		for end > 0 && row[end-1] == "" {
			end--
		}
		for _, cell := range row[:end] {
			h.Write([]byte(norm.NFC.String(cell)))
			h.Write([]byte{0x1f}) // unit separator
		}
		h.Write([]byte{0x1e}) // record separator
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DigestFields hashes the fields of one logical row.
func DigestFields(fields ...string) string {
	h := sha256.New()
	h.Write([]byte(DomainRow))
	h.Write([]byte{0x00})
	for _, f := range fields {
		h.Write([]byte(norm.NFC.String(strings.TrimSpace(f))))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Stats counts cache decisions since start.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Commits       int64 `json:"commits"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

// Cache stores digests in kvstore under "cache:<sheet>:<period>".
type Cache struct {
	kv  *kvstore.Store
	ttl time.Duration

	hits, misses, commits, invalidations atomic.Int64
}

// New returns a Cache whose entries live for ttl (default 24h).
func New(kv *kvstore.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{kv: kv, ttl: ttl}
}

func sheetPrefix(sheet string) string { return keyPrefix + sheet + ":" }

func key(sheet, period string) string { return sheetPrefix(sheet) + period }

// HasChanged reports whether digest differs from the stored digest of
// (sheet, period). A missing or expired entry counts as changed.
func (c *Cache) HasChanged(ctx context.Context, sheet, period, digest string) (bool, error) {
	stored, ok, err := c.kv.Get(ctx, key(sheet, period))
	if err != nil {
		return true, fmt.Errorf("changecache: lookup %s/%s: %w", sheet, period, err)
	}
	if ok && stored == digest {
		c.hits.Add(1)
		return false, nil
	}
	c.misses.Add(1)
	return true, nil
}

// Commit stores digest for (sheet, period). Call it only after the
// reconciliation of that pair succeeded.
func (c *Cache) Commit(ctx context.Context, sheet, period, digest string) error {
	if err := c.kv.Set(ctx, key(sheet, period), digest, c.ttl); err != nil {
		return fmt.Errorf("changecache: commit %s/%s: %w", sheet, period, err)
	}
	c.commits.Add(1)
	return nil
}

// Invalidate drops every period digest of sheet.
func (c *Cache) Invalidate(ctx context.Context, sheet string) error {
	if _, err := c.kv.DeletePrefix(ctx, sheetPrefix(sheet)); err != nil {
		return fmt.Errorf("changecache: invalidate %s: %w", sheet, err)
	}
	c.invalidations.Add(1)
	return nil
}

// Stats returns counters and the number of live entries.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Commits:       c.commits.Load(),
		Invalidations: c.invalidations.Load(),
	}
	entries, err := c.kv.Scan(ctx, keyPrefix)
	if err != nil {
		return s, fmt.Errorf("changecache: stats: %w", err)
	}
	s.Entries = len(entries)
	return s, nil
}
