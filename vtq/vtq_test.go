package vtq_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/vtq"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQ(t *testing.T, opts vtq.Options) (*vtq.Q, *clock, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	c := &clock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = c.Now
	}
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q, c, db
}

func TestPublishAndClaim(t *testing.T) {
	q, _, _ := newQ(t, vtq.Options{Visibility: time.Minute})
	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("claim: got %+v, want j1", job)
	}
	if string(job.Payload) != "hello" || job.Attempts != 1 || job.State != vtq.StateActive {
		t.Fatalf("claimed job: %+v", job)
	}

	// Second claim returns nil: the job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestClaim_PriorityThenFIFO(t *testing.T) {
	// WHAT: a later high-priority job jumps ahead of earlier low-priority ones.
	// WHY: manual syncs must run before queued periodic syncs.
	q, c, _ := newQ(t, vtq.Options{})
	ctx := context.Background()

	q.Publish(ctx, "low-1", nil, 0)
	c.Advance(time.Millisecond)
	q.Publish(ctx, "low-2", nil, 0)
	c.Advance(time.Millisecond)
	q.Publish(ctx, "high-1", nil, 10)
	c.Advance(time.Millisecond)
	q.Publish(ctx, "high-2", nil, 10)

	want := []string{"high-1", "high-2", "low-1", "low-2"}
	for i, id := range want {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil || job.ID != id {
			t.Fatalf("claim #%d: got %+v, want %s", i, job, id)
		}
	}
}

func TestAckAndFail_Stats(t *testing.T) {
	q, _, _ := newQ(t, vtq.Options{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		q.Publish(ctx, id, nil, 0)
	}
	ja, _ := q.Claim(ctx)
	jb, _ := q.Claim(ctx)
	if err := q.Ack(ctx, ja.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, jb.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	q.Claim(ctx)

	s, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s != (vtq.Stats{Active: 1, Done: 1, Failed: 1}) {
		t.Fatalf("stats: got %+v", s)
	}

	failed, _ := q.Get(ctx, "b")
	if failed.State != vtq.StateFailed || failed.LastError != "boom" || failed.FinishedAt.IsZero() {
		t.Fatalf("failed job: %+v", failed)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len: got %d, want 1", n)
	}
}

func TestRetry_DelaysVisibility(t *testing.T) {
	q, c, _ := newQ(t, vtq.Options{})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil, 0)
	job, _ := q.Claim(ctx)
	if err := q.Retry(ctx, job.ID, 2*time.Minute, "transient"); err != nil {
		t.Fatal(err)
	}

	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job should stay invisible during the retry delay")
	}
	c.Advance(2 * time.Minute)
	j, _ := q.Claim(ctx)
	if j == nil || j.Attempts != 2 || j.LastError != "transient" {
		t.Fatalf("after delay: got %+v", j)
	}
}

func TestVisibilityTimeout_Reclaim(t *testing.T) {
	q, c, _ := newQ(t, vtq.Options{Visibility: time.Minute})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil, 0)
	q.Claim(ctx)
	c.Advance(61 * time.Second)

	j, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.Attempts != 2 {
		t.Fatalf("expected reclaim after visibility timeout, got %+v", j)
	}
}

func TestPublishDelayed(t *testing.T) {
	q, c, _ := newQ(t, vtq.Options{})
	ctx := context.Background()

	q.PublishDelayed(ctx, "later", nil, 0, time.Hour)
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("delayed job claimed early")
	}
	c.Advance(time.Hour)
	if j, _ := q.Claim(ctx); j == nil {
		t.Fatal("delayed job not claimable after delay")
	}
}

func TestPrune(t *testing.T) {
	q, c, _ := newQ(t, vtq.Options{})
	ctx := context.Background()

	q.Publish(ctx, "old", nil, 0)
	j, _ := q.Claim(ctx)
	q.Ack(ctx, j.ID)
	c.Advance(48 * time.Hour)
	q.Publish(ctx, "fresh", nil, 0)

	n, err := q.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if got, _ := q.Get(ctx, "fresh"); got == nil {
		t.Fatal("waiting job must survive prune")
	}
}

func TestDrain_HandlerOutcomes(t *testing.T) {
	q, _, _ := newQ(t, vtq.Options{})
	ctx := context.Background()

	q.Publish(ctx, "ok", nil, 2)
	q.Publish(ctx, "retry", nil, 1)
	q.Publish(ctx, "fail", nil, 0)

	n := q.Drain(ctx, func(_ context.Context, j *vtq.Job) error {
		switch j.ID {
		case "retry":
			return vtq.RetryLater(errors.New("flaky"), time.Hour)
		case "fail":
			return errors.New("fatal")
		}
		return nil
	})
	if n != 3 {
		t.Fatalf("handled %d, want 3", n)
	}

	s, _ := q.Stats(ctx)
	if s != (vtq.Stats{Waiting: 1, Done: 1, Failed: 1}) {
		t.Fatalf("stats: got %+v", s)
	}
}

func TestDrain_GateClosed(t *testing.T) {
	// WHAT: a closed gate leaves visible jobs untouched.
	// WHY: pausing the scheduler must stop dequeues.
	open := false
	q, _, _ := newQ(t, vtq.Options{Gate: func() bool { return open }})
	ctx := context.Background()
	q.Publish(ctx, "j1", nil, 0)

	called := 0
	handler := func(context.Context, *vtq.Job) error { called++; return nil }
	if n := q.Drain(ctx, handler); n != 0 || called != 0 {
		t.Fatalf("gate closed: handled %d, called %d", n, called)
	}
	open = true
	if n := q.Drain(ctx, handler); n != 1 {
		t.Fatalf("gate open: handled %d, want 1", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	q, _, _ := newQ(t, vtq.Options{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	q.Publish(ctx, "j1", nil, 0)

	done := make(chan struct{})
	handled := make(chan string, 1)
	go func() {
		q.Run(ctx, func(_ context.Context, j *vtq.Job) error {
			handled <- j.ID
			return nil
		})
		close(done)
	}()

	select {
	case id := <-handled:
		if id != "j1" {
			t.Fatalf("handled %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job not handled")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
