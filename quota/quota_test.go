package quota

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

type rateLimitErr struct{}

func (rateLimitErr) Error() string     { return "429 too many requests" }
func (rateLimitErr) RateLimited() bool { return true }

type recAlerts struct{ n int }

func (r *recAlerts) Raise(context.Context, observability.Alert) { r.n++ }

// newGovernor returns a governor whose sleeps advance the fake clock and
// are recorded.
func newGovernor(t *testing.T, cfg Config) (*Governor, *clock, *[]time.Duration, *recAlerts) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(kvstore.Schema))
	c := &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	var slept []time.Duration
	ra := &recAlerts{}
	g := New(kvstore.New(db, kvstore.WithClock(c.Now)), cfg,
		WithAlerter(ra),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			c.t = c.t.Add(d)
			return nil
		}))
	return g, c, &slept, ra
}

func TestAcquire_NeverExceedsBudget(t *testing.T) {
	g, c, _, _ := newGovernor(t, Config{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		ok, err := g.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed %d calls in one window, want 3", allowed)
	}

	c.t = c.t.Add(time.Minute)
	if ok, _ := g.Acquire(ctx); !ok {
		t.Fatal("new window should allow calls")
	}
}

func TestUsage_CapsUsedAndCountsRefusals(t *testing.T) {
	// WHAT: refused attempts are reported apart from granted calls, so
	// used never exceeds the limit; sleeping callers show as waiting.
	// WHY: /health must not report more calls than the provider allows.
	g, _, _, _ := newGovernor(t, Config{Limit: 3, Window: time.Minute})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		g.Acquire(ctx)
	}
	u, err := g.Usage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if u.Used != 3 || u.Refused != 2 || u.Waiting != 0 {
		t.Fatalf("usage: %+v", u)
	}

	var during Usage
	g.sleep = func(ctx context.Context, d time.Duration) error {
		during, _ = g.Usage(ctx)
		return errors.New("stop")
	}
	if err := g.Wait(ctx); err == nil {
		t.Fatal("wait should surface the sleep error")
	}
	if during.Waiting != 1 {
		t.Fatalf("waiting while asleep: %+v", during)
	}
	if after, _ := g.Usage(ctx); after.Waiting != 0 || after.Used != 3 {
		t.Fatalf("usage after wait: %+v", after)
	}
}

func TestWait_SleepsToRollover(t *testing.T) {
	// WHAT: an exhausted caller waits for the next window instead of failing.
	g, c, slept, ra := newGovernor(t, Config{Limit: 2, Window: time.Minute})
	ctx := context.Background()
	c.t = c.t.Add(15 * time.Second)

	for i := 0; i < 2; i++ {
		if err := g.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(*slept) != 0 {
		t.Fatalf("slept within budget: %v", *slept)
	}
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("wait over budget must not error: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 45*time.Second {
		t.Fatalf("sleeps: %v, want [45s]", *slept)
	}
	if ra.n != 1 {
		t.Fatalf("alerts: got %d, want 1", ra.n)
	}
	u, _ := g.Usage(ctx)
	if u.Used != 1 || u.Limit != 2 {
		t.Fatalf("usage in new window: %+v", u)
	}
}

func TestDo_RetriesRateLimitWithDoublingDelay(t *testing.T) {
	g, _, slept, _ := newGovernor(t, Config{Limit: 100})
	ctx := context.Background()

	calls := 0
	err := g.Do(ctx, "read", func(context.Context) error {
		calls++
		if calls < 3 {
			return rateLimitErr{}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d, want 3", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("backoff: %v, want %v", *slept, want)
	}
	if _, retries := g.Counters(); retries != 2 {
		t.Fatalf("retries counter: %d", retries)
	}
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	g, _, slept, _ := newGovernor(t, Config{Limit: 100})
	calls := 0
	err := g.Do(context.Background(), "write", func(context.Context) error {
		calls++
		return rateLimitErr{}
	})
	if !IsRateLimited(err) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("calls: got %d, want 5", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("backoff[%d]: got %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestDo_OtherErrorsPropagateImmediately(t *testing.T) {
	g, _, slept, _ := newGovernor(t, Config{})
	boom := errors.New("404 not found")
	calls := 0
	err := g.Do(context.Background(), "read", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 || len(*slept) != 0 {
		t.Fatalf("err=%v calls=%d slept=%v", err, calls, *slept)
	}
}
