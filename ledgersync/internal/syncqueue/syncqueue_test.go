package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/sheetledger/breaker"
	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/kvstore"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/notify"
	"github.com/hazyhaar/sheetledger/observability"
	"github.com/hazyhaar/sheetledger/sheets"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type executor struct {
	calls []*Job
	err   error
}

func (e *executor) run(_ context.Context, j *Job) (any, error) {
	e.calls = append(e.calls, j)
	if e.err != nil {
		return nil, e.err
	}
	return map[string]int{"created": 1}, nil
}

type recAlerts struct{ alerts []observability.Alert }

func (r *recAlerts) Raise(_ context.Context, a observability.Alert) { r.alerts = append(r.alerts, a) }

type outbox struct{ msgs []notify.Message }

func (o *outbox) Send(_ context.Context, m notify.Message) { o.msgs = append(o.msgs, m) }

type invalidations struct{ sheets []string }

func (i *invalidations) Invalidate(_ context.Context, sheetID string) error {
	i.sheets = append(i.sheets, sheetID)
	return nil
}

type harness struct {
	s       *Scheduler
	st      *store.Store
	br      *breaker.Breaker
	clk     *clock
	exec    *executor
	alerts  *recAlerts
	out     *outbox
	invalid *invalidations
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(kvstore.Schema))
	clk := &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	st := store.NewStore(db).WithClock(clk.Now)
	br := breaker.New(kvstore.New(db, kvstore.WithClock(clk.Now)))
	ctx := context.Background()
	for _, id := range []string{"science", "history"} {
		if err := st.UpsertSheet(ctx, &store.Sheet{ID: id, SpreadsheetID: "ss-" + id, Department: id, Active: true}); err != nil {
			t.Fatal(err)
		}
	}

	seq := 0
	h := &harness{st: st, br: br, clk: clk, exec: &executor{}, alerts: &recAlerts{}, out: &outbox{}, invalid: &invalidations{}}
	h.s = New(db, st, br, h.exec.run, Config{},
		WithClock(clk.Now),
		WithAlerter(h.alerts),
		WithSender(h.out),
		WithCache(h.invalid),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("job_%03d", seq) }))
	if err := h.s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	return h
}

func TestSubmit_ManualBeforePeriodic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, _, err := h.s.SubmitPeriodic(ctx, "history"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.SubmitManual(ctx, "science", "alice", "fixing a row"); err != nil {
		t.Fatal(err)
	}
	if len(h.invalid.sheets) != 1 || h.invalid.sheets[0] != "science" {
		t.Fatalf("manual submit should invalidate the cache: %v", h.invalid.sheets)
	}

	if n := h.s.Drain(ctx); n != 2 {
		t.Fatalf("drained %d", n)
	}
	if h.exec.calls[0].SheetID != "science" || h.exec.calls[1].SheetID != "history" {
		t.Fatalf("order: %s then %s", h.exec.calls[0].SheetID, h.exec.calls[1].SheetID)
	}
	stats, _ := h.s.Stats(ctx)
	if stats.Done != 2 || stats.Waiting != 0 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestSubmitPeriodic_SkipsQueuedSheet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n, err := h.s.SubmitAllPeriodic(ctx)
	if err != nil || n != 2 {
		t.Fatalf("first round: %d %v", n, err)
	}
	n, _ = h.s.SubmitAllPeriodic(ctx)
	if n != 0 {
		t.Fatalf("second round queued %d", n)
	}
	if _, err := h.s.SubmitManual(ctx, "nope", "alice", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown sheet: %v", err)
	}
}

func TestPause_KeepsJobsQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.s.SubmitManual(ctx, "science", "alice", "")
	h.s.Pause()
	if !h.s.Paused() || h.s.Drain(ctx) != 0 || len(h.exec.calls) != 0 {
		t.Fatal("paused queue ran a job")
	}
	h.s.Resume()
	if h.s.Drain(ctx) != 1 {
		t.Fatal("resumed queue did not run the job")
	}
}

func TestCircuit_OpensAndSkips(t *testing.T) {
	// WHAT: five failed jobs open the sheet's circuit; the sixth is skipped
	// without calling the executor; a manual reset lets the next success
	// close it.
	// WHY: a broken sheet must not burn quota for everyone else.
	h := newHarness(t)
	ctx := context.Background()
	h.exec.err = errors.New("permission denied")

	for i := 0; i < 5; i++ {
		h.s.SubmitManual(ctx, "science", "alice", "")
	}
	h.s.Drain(ctx)
	if open, _ := h.br.IsOpen(ctx, "science"); !open {
		t.Fatal("circuit should be open after 5 failures")
	}

	h.s.SubmitManual(ctx, "science", "alice", "")
	h.s.Drain(ctx)
	if len(h.exec.calls) != 5 {
		t.Fatalf("executor calls: %d", len(h.exec.calls))
	}
	runs, _ := h.st.ListRuns(ctx, "science", 1)
	if len(runs) != 1 || runs[0].Status != OutcomeSkipped {
		t.Fatalf("last run: %+v", runs)
	}

	h.br.Reset(ctx, "science")
	h.exec.err = nil
	h.s.SubmitManual(ctx, "science", "alice", "")
	h.s.Drain(ctx)
	rec, _ := h.br.Get(ctx, "science")
	if rec.State != breaker.Closed || rec.ConsecutiveFailures != 0 || len(h.exec.calls) != 6 {
		t.Fatalf("after success: %+v calls=%d", rec, len(h.exec.calls))
	}
}

func TestCircuit_ClosesAfterCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.err = errors.New("permission denied")
	for i := 0; i < 5; i++ {
		h.s.SubmitManual(ctx, "science", "alice", "")
	}
	h.s.Drain(ctx)

	h.clk.Advance(31 * time.Minute)
	h.exec.err = nil
	h.s.SubmitManual(ctx, "science", "alice", "")
	h.s.Drain(ctx)
	if len(h.exec.calls) != 6 {
		t.Fatalf("job after cool-down not run: %d", len(h.exec.calls))
	}
	if open, _ := h.br.IsOpen(ctx, "science"); open {
		t.Fatal("circuit still open")
	}
}

func TestRetry_TransientThenSurface(t *testing.T) {
	// WHAT: a transient error is retried after 2m then 4m; the third
	// failure fails the job and raises an alert and a notification.
	h := newHarness(t)
	ctx := context.Background()
	h.exec.err = &sheets.APIError{Op: "read", Status: 503, Message: "backend error"}
	job, _ := h.s.SubmitManual(ctx, "science", "alice", "")

	h.s.Drain(ctx)
	h.clk.Advance(time.Minute)
	if h.s.Drain(ctx) != 0 {
		t.Fatal("retry visible too early")
	}
	h.clk.Advance(time.Minute)
	if h.s.Drain(ctx) != 1 {
		t.Fatal("second attempt not run after 2m")
	}
	h.clk.Advance(4 * time.Minute)
	if h.s.Drain(ctx) != 1 {
		t.Fatal("third attempt not run after 4m")
	}
	if len(h.exec.calls) != 3 || h.exec.calls[2].Attempt != 3 {
		t.Fatalf("attempts: %d", len(h.exec.calls))
	}

	stats, _ := h.s.Stats(ctx)
	if stats.Failed != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	runs, _ := h.st.ListRuns(ctx, "science", 10)
	if len(runs) != 3 || runs[0].Status != OutcomeFailed || runs[1].Status != OutcomeRetrying || runs[0].JobID != job.ID {
		t.Fatalf("runs: %+v", runs)
	}
	if len(h.alerts.alerts) != 1 || h.alerts.alerts[0].Type != observability.AlertJobFailed {
		t.Fatalf("alerts: %+v", h.alerts.alerts)
	}
	if len(h.out.msgs) != 1 || h.out.msgs[0].Kind != notify.KindJobFailed {
		t.Fatalf("notifications: %+v", h.out.msgs)
	}
}

func TestTriggerClosing_CarriesPeriods(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.s.TriggerClosing(ctx, "science", []string{"2026-02"}); err != nil {
		t.Fatal(err)
	}
	pending, _ := h.s.Pending(ctx)
	if len(pending) != 1 || pending[0].Priority != PriorityManual || len(pending[0].Periods) != 1 {
		t.Fatalf("pending: %+v", pending)
	}
}
