package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/sheetledger/dbopen"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	c := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	return New(db, WithClock(c.Now)), c
}

func TestSetGet_Expiry(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "cache:a", "v1", time.Minute); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "cache:a")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}

	c.Advance(time.Minute)
	if _, ok, _ := s.Get(ctx, "cache:a"); ok {
		t.Fatal("key should be expired")
	}
	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatal("missing key reported present")
	}
}

func TestSet_NoTTLNeverExpires(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	s.Set(ctx, "circuit:x", "{}", 0)
	c.Advance(365 * 24 * time.Hour)
	if _, ok, _ := s.Get(ctx, "circuit:x"); !ok {
		t.Fatal("key without ttl expired")
	}
}

func TestIncr_CountsAndKeepsExpiry(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "quota:100", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("incr: got %d, want %d", got, want)
		}
		c.Advance(10 * time.Second)
	}

	// One minute after the first increment the counter has expired; later
	// increments did not push the expiry forward.
	c.Advance(30 * time.Second)
	got, _ := s.Incr(ctx, "quota:100", time.Minute)
	if got != 1 {
		t.Fatalf("incr after expiry: got %d, want 1 (fresh counter)", got)
	}
}

func TestDeletePrefixAndScan(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	s.Set(ctx, "cache:s1:2026-02", "d1", time.Hour)
	s.Set(ctx, "cache:s1:2026-03", "d2", time.Hour)
	s.Set(ctx, "cache:s10:2026-03", "d3", time.Hour)
	s.Set(ctx, "cache:s2:2026-03", "d4", time.Minute)

	entries, err := s.Scan(ctx, "cache:")
	if err != nil {
		t.Fatal(err)
	}
	// Keys sort bytewise: '0' sorts before ':'.
	want := []string{"cache:s10:2026-03", "cache:s1:2026-02", "cache:s1:2026-03", "cache:s2:2026-03"}
	if len(entries) != len(want) {
		t.Fatalf("scan: %+v", entries)
	}
	for i, k := range want {
		if entries[i].Key != k {
			t.Fatalf("scan[%d]: got %q, want %q", i, entries[i].Key, k)
		}
	}

	n, err := s.DeletePrefix(ctx, "cache:s1:")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("delete prefix removed %d, want 2", n)
	}
	if _, ok, _ := s.Get(ctx, "cache:s10:2026-03"); !ok {
		t.Fatal("prefix delete must not match a longer sheet id")
	}

	c.Advance(2 * time.Minute)
	removed, _ := s.GC(ctx)
	if removed != 1 {
		t.Fatalf("gc removed %d, want 1", removed)
	}
}
