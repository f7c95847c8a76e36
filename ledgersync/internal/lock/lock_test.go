package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/notify"
	"github.com/hazyhaar/sheetledger/sheets"
	"github.com/hazyhaar/sheetledger/sheets/memsheet"
)

const ss = "ss-science"

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

type trigger struct {
	calls   []string
	periods [][]string
	fail    []error
}

func (tr *trigger) TriggerClosing(_ context.Context, sheetID string, periods []string) error {
	if len(tr.fail) > 0 {
		err := tr.fail[0]
		tr.fail = tr.fail[1:]
		return err
	}
	tr.calls = append(tr.calls, sheetID)
	tr.periods = append(tr.periods, periods)
	return nil
}

type outbox struct{ msgs []notify.Message }

func (o *outbox) Send(_ context.Context, m notify.Message) { o.msgs = append(o.msgs, m) }

type harness struct {
	m    *Manager
	st   *store.Store
	mem  *memsheet.Sheet
	clk  *clock
	trig *trigger
	out  *outbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	clk := &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	st := store.NewStore(db).WithClock(clk.Now)
	ctx := context.Background()
	for _, id := range []string{"science", "history"} {
		if err := st.UpsertSheet(ctx, &store.Sheet{ID: id, SpreadsheetID: "ss-" + id, Department: id, Active: true}); err != nil {
			t.Fatal(err)
		}
	}
	mem := memsheet.New()
	mem.AddTab(ss, "2026-01")
	mem.AddTab(ss, "2026-02")
	mem.AddTab(ss, "2026-03")
	tr := &trigger{}
	out := &outbox{}
	return &harness{
		m:    New(st, mem, tr, WithClock(clk.Now), WithSender(out)),
		st:   st,
		mem:  mem,
		clk:  clk,
		trig: tr,
		out:  out,
	}
}

func editable(t *testing.T, h *harness, p string) bool {
	t.Helper()
	ok, err := h.m.IsEditable(context.Background(), "science", p)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestLock_RefusesCurrentPeriod(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Lock(context.Background(), "science", "2026-03"); !errors.Is(err, ErrCurrentPeriod) {
		t.Fatalf("got %v", err)
	}
	if !editable(t, h, "2026-03") {
		t.Fatal("current period must stay editable")
	}
}

func TestLock_ProtectsTab(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.m.Lock(ctx, "science", "2026-02"); err != nil {
		t.Fatal(err)
	}
	if editable(t, h, "2026-02") {
		t.Fatal("locked period reported editable")
	}
	prots := h.mem.Protections(ss, "2026-02")
	if len(prots) != 1 || !prots[0].Range.WholeTab() || prots[0].Description != sheets.ProtectLockPrefix+"2026-02" {
		t.Fatalf("protections: %+v", prots)
	}
	if c := h.mem.TabColor(ss, "2026-02"); c == nil || *c != sheets.ColorLocked {
		t.Fatalf("tab color: %+v", c)
	}

	// Locking again does not stack protections.
	h.m.Lock(ctx, "science", "2026-02")
	if n := len(h.mem.Protections(ss, "2026-02")); n != 1 {
		t.Fatalf("protections after relock: %d", n)
	}

	if err := h.m.Unlock(ctx, "science", "2026-02"); err != nil {
		t.Fatal(err)
	}
	if !editable(t, h, "2026-02") || len(h.mem.Protections(ss, "2026-02")) != 0 {
		t.Fatal("unlock did not release the period")
	}
}

func TestLock_MissingTabStillLocks(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Lock(context.Background(), "science", "2025-12"); err != nil {
		t.Fatal(err)
	}
	if editable(t, h, "2025-12") {
		t.Fatal("lock not recorded")
	}
}

func TestUnlockRequest_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.m.RequestUnlock(ctx, "science", "2026-02", "fix typo", "bob"); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("open period: %v", err)
	}
	h.m.Lock(ctx, "science", "2026-02")
	if _, err := h.m.RequestUnlock(ctx, "science", "2026-02", " ", "bob"); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("blank reason: %v", err)
	}
	u, err := h.m.RequestUnlock(ctx, "science", "2026-02", "late invoice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.ApproveUnlock(ctx, u.ID, "BOB"); !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("self approval: %v", err)
	}
	if _, err := h.m.ApproveUnlock(ctx, u.ID, "carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.ApproveUnlock(ctx, u.ID, "dave"); !errors.Is(err, ErrResolved) {
		t.Fatalf("second approval: %v", err)
	}
	if len(h.out.msgs) != 2 || h.out.msgs[0].Kind != notify.KindUnlockRequested || h.out.msgs[1].Kind != notify.KindUnlockGranted {
		t.Fatalf("notifications: %+v", h.out.msgs)
	}
}

func TestSweep_ExpiredGrantRelocksAndTriggersOnce(t *testing.T) {
	// WHAT: a 24h grant, once expired, is swept: the period is locked again
	// and exactly one closing pass is requested for the sheet.
	// WHY: edits made during the window must be captured before closing.
	h := newHarness(t)
	ctx := context.Background()
	h.m.Lock(ctx, "science", "2026-01")
	h.m.Lock(ctx, "science", "2026-02")

	var ids []string
	for _, p := range []string{"2026-01", "2026-02"} {
		u, err := h.m.RequestUnlock(ctx, "science", p, "late invoice", "bob")
		if err != nil {
			t.Fatal(err)
		}
		g, err := h.m.ApproveUnlock(ctx, u.ID, "carol")
		if err != nil {
			t.Fatal(err)
		}
		if *g.ExpiresAt != h.clk.Now().Add(24*time.Hour).UnixMilli() {
			t.Fatalf("expires at: %d", *g.ExpiresAt)
		}
		ids = append(ids, u.ID)
	}
	if !editable(t, h, "2026-02") || len(h.mem.Protections(ss, "2026-02")) != 0 {
		t.Fatal("grant did not open the period")
	}
	if c := h.mem.TabColor(ss, "2026-02"); c == nil || *c != sheets.ColorUnlocked {
		t.Fatalf("tab color: %+v", c)
	}

	// Still inside the window.
	h.clk.Advance(23 * time.Hour)
	if n, err := h.m.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep: %d %v", n, err)
	}

	h.clk.Advance(time.Hour)
	if editable(t, h, "2026-02") {
		t.Fatal("expired grant still opens the period")
	}
	n, err := h.m.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: %d %v", n, err)
	}
	if len(h.trig.calls) != 1 || h.trig.calls[0] != "science" || len(h.trig.periods[0]) != 2 {
		t.Fatalf("triggers: %v %v", h.trig.calls, h.trig.periods)
	}
	if len(h.mem.Protections(ss, "2026-02")) != 1 {
		t.Fatal("period not protected again")
	}
	for _, id := range ids {
		u, _ := h.st.GetUnlockRequest(ctx, id)
		if u.Status != store.UnlockExpired {
			t.Fatalf("grant %s status %s", id, u.Status)
		}
	}

	if n, _ := h.m.Sweep(ctx); n != 0 || len(h.trig.calls) != 1 {
		t.Fatalf("second sweep triggered again: %d", n)
	}
}

func TestSweep_FailedTriggerRetried(t *testing.T) {
	// WHAT: when queueing the closing pass fails the grant stays open, and
	// the next sweep re-locks and triggers it.
	// WHY: the edits made during the window would otherwise never be read.
	h := newHarness(t)
	ctx := context.Background()
	h.m.Lock(ctx, "science", "2026-02")
	u, err := h.m.RequestUnlock(ctx, "science", "2026-02", "late invoice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.ApproveUnlock(ctx, u.ID, "carol"); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(25 * time.Hour)

	h.trig.fail = []error{errors.New("queue unavailable")}
	if n, err := h.m.Sweep(ctx); err == nil || n != 0 {
		t.Fatalf("failing sweep: %d %v", n, err)
	}
	if g, _ := h.st.GetUnlockRequest(ctx, u.ID); g.Status == store.UnlockExpired {
		t.Fatal("grant closed although its closing pass was not queued")
	}
	if editable(t, h, "2026-02") {
		t.Fatal("expired grant still opens the period")
	}

	n, err := h.m.Sweep(ctx)
	if err != nil || n != 1 || len(h.trig.calls) != 1 {
		t.Fatalf("retry sweep: %d %v calls=%v", n, err, h.trig.calls)
	}
	if g, _ := h.st.GetUnlockRequest(ctx, u.ID); g.Status != store.UnlockExpired {
		t.Fatalf("grant status after retry: %s", g.Status)
	}
}
