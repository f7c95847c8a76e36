package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/kvstore"
	"github.com/hazyhaar/sheetledger/observability"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type recAlerts struct{ alerts []observability.Alert }

func (r *recAlerts) Raise(_ context.Context, a observability.Alert) { r.alerts = append(r.alerts, a) }

func newBreaker(t *testing.T, opts ...Option) (*Breaker, *clock, *recAlerts) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(kvstore.Schema))
	c := &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	ra := &recAlerts{}
	kv := kvstore.New(db, kvstore.WithClock(c.Now))
	return New(kv, append([]Option{WithAlerter(ra)}, opts...)...), c, ra
}

func TestRecordFailure_TripsOnNth(t *testing.T) {
	// WHAT: the fifth consecutive failure, and only the fifth, reports the trip.
	b, _, ra := newBreaker(t)
	ctx := context.Background()
	cause := errors.New("403 permission denied")

	for i := 1; i <= 7; i++ {
		tripped, err := b.RecordFailure(ctx, "sheet-s", cause)
		if err != nil {
			t.Fatal(err)
		}
		if tripped != (i == 5) {
			t.Fatalf("failure %d: tripped=%v", i, tripped)
		}
		open, _ := b.IsOpen(ctx, "sheet-s")
		if open != (i >= 5) {
			t.Fatalf("failure %d: open=%v", i, open)
		}
	}
	if len(ra.alerts) != 1 || ra.alerts[0].Component != "sheet-s" {
		t.Fatalf("alerts: %+v", ra.alerts)
	}

	r, _ := b.Get(ctx, "sheet-s")
	if r.State != Open || r.ConsecutiveFailures != 7 || r.LastError != cause.Error() || r.TrippedAt == nil {
		t.Fatalf("record: %+v", r)
	}
}

func TestRecordSuccess_ResetsCounter(t *testing.T) {
	b, _, _ := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordFailure(ctx, "s", nil)
	}
	b.RecordSuccess(ctx, "s")
	tripped, _ := b.RecordFailure(ctx, "s", nil)
	if tripped {
		t.Fatal("success must reset the consecutive counter")
	}
	r, _ := b.Get(ctx, "s")
	if r.ConsecutiveFailures != 1 {
		t.Fatalf("failures: got %d, want 1", r.ConsecutiveFailures)
	}
}

func TestIsOpen_ExpiresAfterCooldown(t *testing.T) {
	b, c, _ := newBreaker(t, WithThreshold(2), WithCooldown(30*time.Minute))
	ctx := context.Background()

	b.RecordFailure(ctx, "s", nil)
	b.RecordFailure(ctx, "s", nil)
	c.t = c.t.Add(29 * time.Minute)
	if open, _ := b.IsOpen(ctx, "s"); !open {
		t.Fatal("circuit should still be open before cool-down")
	}
	// Failures while open do not extend the cool-down.
	b.RecordFailure(ctx, "s", nil)
	c.t = c.t.Add(time.Minute)
	if open, _ := b.IsOpen(ctx, "s"); open {
		t.Fatal("circuit should close after cool-down")
	}
	r, _ := b.Get(ctx, "s")
	if r.State != Closed || r.ConsecutiveFailures != 0 {
		t.Fatalf("after cool-down: %+v", r)
	}
}

func TestReset_AndList(t *testing.T) {
	b, _, _ := newBreaker(t, WithThreshold(1))
	ctx := context.Background()

	b.RecordFailure(ctx, "a", errors.New("gone"))
	b.RecordFailure(ctx, "b", nil)

	recs, err := b.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Sheet != "a" || recs[0].State != Open {
		t.Fatalf("list: %+v", recs)
	}

	if err := b.Reset(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if open, _ := b.IsOpen(ctx, "a"); open {
		t.Fatal("reset should close the circuit")
	}
	if recs, _ := b.List(ctx); len(recs) != 1 {
		t.Fatalf("list after reset: %+v", recs)
	}
}
