package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/kit"
)

// newJournal returns a logger whose clock advances one second per entry so
// ordering is deterministic.
func newJournal(t *testing.T) *SQLiteLogger {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ms := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).UnixMilli()
	l := NewSQLiteLogger(db, WithClock(func() time.Time {
		ms += 1_000
		return time.UnixMilli(ms)
	}))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_ApprovalDecision(t *testing.T) {
	l := newJournal(t)
	ctx := context.Background()

	e := FromContext(kit.WithActor(ctx, "treasurer"), "approval.approve", "TX-0A1B2C3D4E",
		map[string]string{"fund_id": "general"})
	if err := l.Log(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := l.Query(ctx, Filter{EntityID: "TX-0A1B2C3D4E"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	g := got[0]
	if g.Action != "approval.approve" || g.Actor != "treasurer" || g.Status != "success" {
		t.Fatalf("entry = %+v", g)
	}
	if g.Parameters != `{"fund_id":"general"}` {
		t.Fatalf("parameters = %q", g.Parameters)
	}
	if g.Transport != "http" {
		t.Fatalf("transport default = %q", g.Transport)
	}
	if g.EntryID == "" || g.Timestamp == 0 {
		t.Fatalf("defaults not filled: %+v", g)
	}
}

func TestLog_FailedDecisionKeepsError(t *testing.T) {
	l := newJournal(t)
	ctx := context.Background()
	if err := l.Log(ctx, &Entry{Action: "approval.approve", EntityID: "TX-1", Error: "ledger: unknown fund"}); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Query(ctx, Filter{Action: "approval.approve"})
	if len(got) != 1 || got[0].Status != "error" || got[0].Error != "ledger: unknown fund" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestLogAsync_CloseDrains(t *testing.T) {
	// WHAT: entries queued asynchronously are all written by Close, across
	// more than one batch.
	// WHY: operator actions journaled just before shutdown must not be lost.
	l := newJournal(t)
	n := batchSize + 8
	for i := 0; i < n; i++ {
		l.LogAsync(&Entry{Action: "sync.submit", EntityID: fmt.Sprintf("sheet-%d", i)})
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := l.Query(context.Background(), Filter{Action: "sync.submit", Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Fatalf("entries = %d, want %d", len(got), n)
	}
}

func TestMiddleware_RecordsCaller(t *testing.T) {
	l := newJournal(t)
	errLocked := errors.New("lock: cannot lock the current period")

	ep := Middleware(l, "lock.period")(func(ctx context.Context, req any) (any, error) {
		return nil, errLocked
	})
	ctx := kit.WithCaller(context.Background(), kit.Caller{
		Actor:      "controller",
		Transport:  "mcp",
		RequestID:  "req-7",
		RemoteAddr: "10.1.2.3",
	})
	if _, err := ep(ctx, map[string]string{"sheet_id": "science", "period": "2026-03"}); !errors.Is(err, errLocked) {
		t.Fatalf("endpoint error not propagated: %v", err)
	}
	l.Close()

	got, _ := l.Query(context.Background(), Filter{Actor: "controller"})
	if len(got) != 1 {
		t.Fatalf("entries = %d", len(got))
	}
	g := got[0]
	if g.Transport != "mcp" || g.RequestID != "req-7" || g.RemoteAddr != "10.1.2.3" {
		t.Fatalf("caller not recorded: %+v", g)
	}
	if g.Status != "error" || g.Error != errLocked.Error() {
		t.Fatalf("error not recorded: %+v", g)
	}
	if g.Parameters != `{"period":"2026-03","sheet_id":"science"}` {
		t.Fatalf("parameters = %q", g.Parameters)
	}
}

func TestQuery_NewestFirstWithLimit(t *testing.T) {
	l := newJournal(t)
	ctx := context.Background()
	for _, id := range []string{"TX-A", "TX-B", "TX-C"} {
		if err := l.Log(kit.WithActor(ctx, "bob"), &Entry{Action: "approval.reject", EntityID: id, Actor: "bob"}); err != nil {
			t.Fatal(err)
		}
	}
	l.Log(ctx, &Entry{Action: "approval.reject", EntityID: "TX-D", Actor: "alice"})

	got, err := l.Query(ctx, Filter{Actor: "bob", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].EntityID != "TX-C" || got[1].EntityID != "TX-B" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestInit_Idempotent(t *testing.T) {
	l := newJournal(t)
	for i := 0; i < 2; i++ {
		if err := l.Init(); err != nil {
			t.Fatalf("init #%d: %v", i, err)
		}
	}
}
