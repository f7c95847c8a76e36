package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/sheetledger/changecache"
	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/idgen"
	"github.com/hazyhaar/sheetledger/kvstore"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/anomaly"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/sheets"
	"github.com/hazyhaar/sheetledger/sheets/memsheet"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

const (
	ss  = "ss-science"
	tab = "2026-03"
)

type harness struct {
	eng   *Engine
	st    *store.Store
	mem   *memsheet.Sheet
	cache *changecache.Cache
	sheet *store.Sheet
}

type gate map[string]bool

func (g gate) IsEditable(_ context.Context, _, p string) (bool, error) {
	locked, ok := g[p]
	return !ok || !locked, nil
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(kvstore.Schema))
	clock := func() time.Time { return testNow }
	st := store.NewStore(db).WithClock(clock)
	kv := kvstore.New(db, kvstore.WithClock(clock))
	cache := changecache.New(kv, 24*time.Hour)
	an := anomaly.New(st, anomaly.DefaultConfig(), anomaly.WithClock(clock))
	mem := memsheet.New()
	sh := &store.Sheet{ID: "science", SpreadsheetID: ss, Department: "Science", Active: true}
	if err := st.UpsertSheet(context.Background(), sh); err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithClock(clock)}, opts...)
	return &harness{
		eng:   New(cfg, st, mem, cache, an, opts...),
		st:    st,
		mem:   mem,
		cache: cache,
		sheet: sh,
	}
}

func (h *harness) run(t *testing.T) *Result {
	t.Helper()
	res, err := h.eng.Run(context.Background(), Request{Sheet: h.sheet})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func (h *harness) txs(t *testing.T) []*store.Transaction {
	t.Helper()
	list, err := h.st.ListTransactions(context.Background(), store.TxFilter{SheetID: h.sheet.ID})
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func scenarioRows() [][]string {
	return [][]string{
		{"2026-03-02", "Microscope slides", "1000", "Supplies", "R-100"},
		{"2026-03-03", "Conference hotel €", "2000", "Travel", "R-101"},
		{"2026-03-04", "Fume hood service", "3000", "Maintenance", "R-102"},
	}
}

func TestRun_ScenarioNewRows(t *testing.T) {
	// WHAT: three unseen rows become three PENDING records, one CURRENCY
	// anomaly, and ids plus STAGED markers go back in one write.
	// WHY: this is the basic import path every department relies on.
	h := newHarness(t, Config{})
	h.mem.AddTab(ss, tab, scenarioRows()...)

	res := h.run(t)
	cur := res.Periods[0]
	if cur.Period != tab || cur.Created != 3 || cur.Writes != 6 {
		t.Fatalf("current period: %+v", cur)
	}
	if res.Periods[1].Skipped != SkipNoTab {
		t.Fatalf("previous period should have no tab: %+v", res.Periods[1])
	}
	if n := h.mem.Count(memsheet.OpWrite); n != 1 {
		t.Fatalf("write calls: got %d, want 1", n)
	}

	txs := h.txs(t)
	if len(txs) != 3 {
		t.Fatalf("transactions: got %d", len(txs))
	}
	for i, tx := range txs {
		line := i + sheets.FirstDataRow
		if tx.Status != store.StatusPending || tx.Row != line || tx.Department != "Science" {
			t.Fatalf("tx %d: %+v", i, tx)
		}
		if got := h.mem.Cell(ss, tab, line, sheets.IdxStableID); got != tx.StableID || !idgen.IsStableID(got) {
			t.Fatalf("row %d stable id: cell %q, record %q", line, got, tx.StableID)
		}
		if got := h.mem.Cell(ss, tab, line, sheets.IdxStatus); got != sheets.MarkerStaged {
			t.Fatalf("row %d marker: %q", line, got)
		}
	}
	if !txs[2].Amount.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("amount: %s", txs[2].Amount)
	}

	anoms, _ := h.st.ListAnomalies(context.Background(), store.AnomalyFilter{})
	if len(anoms) != 1 || anoms[0].Type != anomaly.TypeCurrency || anoms[0].TransactionID != txs[1].ID {
		t.Fatalf("anomalies: %+v", anoms)
	}
}

func TestRun_ForeignAmountStagedWithCurrency(t *testing.T) {
	// WHAT: an amount cell written as "€1,000" stages 1000 with its
	// currency kept and raises a CURRENCY anomaly.
	// WHY: the amount alone would pass as local money.
	h := newHarness(t, Config{})
	h.mem.AddTab(ss, tab, []string{"2026-03-02", "Conference hotel", "€1,000", "Travel", "R-1"})
	h.run(t)

	txs := h.txs(t)
	if len(txs) != 1 || txs[0].Currency != "€" || !txs[0].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("staged: %+v", txs)
	}
	anoms, _ := h.st.ListAnomalies(context.Background(), store.AnomalyFilter{Type: anomaly.TypeCurrency})
	if len(anoms) != 1 || anoms[0].TransactionID != txs[0].ID {
		t.Fatalf("currency anomalies: %+v", anoms)
	}
}

func TestRun_UnchangedSkipsWithoutWrites(t *testing.T) {
	// WHAT: a second pass over untouched rows makes no write call and
	// creates nothing.
	// WHY: quota is spent only where content moved.
	h := newHarness(t, Config{})
	h.mem.AddTab(ss, tab, scenarioRows()...)
	h.run(t)
	h.mem.ResetCalls()

	res := h.run(t)
	if res.Periods[0].Skipped != SkipUnchanged {
		t.Fatalf("expected unchanged skip: %+v", res.Periods[0])
	}
	if n := h.mem.Count(memsheet.OpWrite); n != 0 {
		t.Fatalf("write calls: %d", n)
	}

	// Even a forced pass finds nothing to do.
	h.cache.Invalidate(context.Background(), h.sheet.ID)
	res = h.run(t)
	cur := res.Periods[0]
	if cur.Skipped != "" || cur.Created != 0 || cur.Unchanged != 3 || cur.Writes != 0 {
		t.Fatalf("forced pass: %+v", cur)
	}
	if len(h.txs(t)) != 3 {
		t.Fatal("duplicate records created")
	}
}

func TestRun_ApprovedChangeIsConflict(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.mem.AddTab(ss, tab, scenarioRows()...)
	h.run(t)
	tx := h.txs(t)[0]
	if err := h.st.Transition(ctx, tx.ID, store.StatusApproved, store.Decision{FundID: "F", Actor: "alice"}); err != nil {
		t.Fatal(err)
	}
	h.mem.SetCell(ss, tab, tx.Row, sheets.IdxStatus, sheets.MarkerApproved)
	h.mem.SetCell(ss, tab, tx.Row, sheets.IdxAmount, "1500")

	res := h.run(t)
	if res.Periods[0].Conflicts != 1 {
		t.Fatalf("conflicts: %+v", res.Periods[0])
	}
	if got := h.mem.Cell(ss, tab, tx.Row, sheets.IdxStatus); got != sheets.MarkerConflict {
		t.Fatalf("marker: %q", got)
	}
	after, _ := h.st.GetTransaction(ctx, tx.ID)
	if after.Status != store.StatusApproved || !after.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("approved row changed: %+v", after)
	}

	// Reverting the edit clears the conflict marker.
	h.mem.SetCell(ss, tab, tx.Row, sheets.IdxAmount, "1000")
	h.run(t)
	if got := h.mem.Cell(ss, tab, tx.Row, sheets.IdxStatus); got != sheets.MarkerApproved {
		t.Fatalf("marker after revert: %q", got)
	}
}

func TestRun_PendingChangeUpdates(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.mem.AddTab(ss, tab, scenarioRows()...)
	h.run(t)
	tx := h.txs(t)[0]

	h.mem.SetCell(ss, tab, tx.Row, sheets.IdxAmount, "1,250.50")
	res := h.run(t)
	if res.Periods[0].Updated != 1 || res.Periods[0].Created != 0 {
		t.Fatalf("result: %+v", res.Periods[0])
	}
	after, _ := h.st.GetTransaction(ctx, tx.ID)
	if !after.Amount.Equal(decimal.RequireFromString("1250.50")) || after.Digest == tx.Digest {
		t.Fatalf("updated record: %+v", after)
	}
}

func TestRun_RejectedChangeReopens(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.mem.AddTab(ss, tab, scenarioRows()...)
	h.run(t)
	tx := h.txs(t)[0]
	h.st.Transition(ctx, tx.ID, store.StatusRejected, store.Decision{RejectReason: "wrong amount", Actor: "alice"})

	h.mem.SetCell(ss, tab, tx.Row, sheets.IdxAmount, "900")
	res := h.run(t)
	if res.Periods[0].Reopened != 1 {
		t.Fatalf("result: %+v", res.Periods[0])
	}
	after, _ := h.st.GetTransaction(ctx, tx.ID)
	if after.Status != store.StatusPending || after.RejectReason != "" {
		t.Fatalf("reopened: %+v", after)
	}
}

func TestRun_OrphanKeepsStableID(t *testing.T) {
	// WHAT: a row carrying an identifier with no record is re-staged under
	// that same identifier.
	// WHY: restored sheets must not get fresh ids for rows already known.
	h := newHarness(t, Config{})
	h.mem.AddTab(ss, tab, []string{"2026-03-02", "Restored row", "40", "Supplies", "R-1", "TX-RESTORED01", sheets.MarkerStaged})

	res := h.run(t)
	if res.Periods[0].Orphans != 1 || res.Periods[0].Created != 0 {
		t.Fatalf("result: %+v", res.Periods[0])
	}
	tx, err := h.st.GetByStableID(context.Background(), "TX-RESTORED01")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Description != "Restored row" {
		t.Fatalf("orphan record: %+v", tx)
	}
	if n := h.mem.Count(memsheet.OpWrite); n != 0 {
		t.Fatalf("nothing to write back, got %d writes", n)
	}
}

func TestRun_CopiedRowGetsNewID(t *testing.T) {
	h := newHarness(t, Config{})
	h.mem.AddTab(ss, tab, scenarioRows()[0])
	h.run(t)
	first := h.txs(t)[0]

	row := h.mem.Rows(ss, tab)[0]
	h.mem.AppendRow(ss, tab, row...)
	res := h.run(t)
	if res.Periods[0].Created != 1 {
		t.Fatalf("result: %+v", res.Periods[0])
	}
	got := h.mem.Cell(ss, tab, 3, sheets.IdxStableID)
	if got == first.StableID || !idgen.IsStableID(got) {
		t.Fatalf("copied row id: %q", got)
	}
}

func TestRun_InvalidRowsMarked(t *testing.T) {
	h := newHarness(t, Config{})
	h.mem.AddTab(ss, tab,
		[]string{"someday", "Bad date", "10"},
		[]string{"2026-03-02", "Bad amount", "ten dollars"},
		[]string{"2026-03-02", "Just a note"},
		[]string{"2026-03-02", "Good", "10", "", "R-1"},
	)
	res := h.run(t)
	cur := res.Periods[0]
	if cur.Invalid != 2 || cur.Created != 1 {
		t.Fatalf("result: %+v", cur)
	}
	if got := h.mem.Cell(ss, tab, 2, sheets.IdxStatus); got != sheets.MarkerInvalidDate {
		t.Fatalf("row 2: %q", got)
	}
	if got := h.mem.Cell(ss, tab, 3, sheets.IdxStatus); got != sheets.MarkerInvalidAmount {
		t.Fatalf("row 3: %q", got)
	}
	if got := h.mem.Cell(ss, tab, 4, sheets.IdxStatus); got != "" {
		t.Fatalf("blank amount row should be left alone: %q", got)
	}
}

func TestRun_ReceiptNoteAndSanitize(t *testing.T) {
	h := newHarness(t, Config{})
	h.mem.AddTab(ss, tab, []string{"2026-03-02", "=HYPERLINK(\"http://x\")", "500", "Supplies"})
	h.run(t)
	tx := h.txs(t)[0]
	if strings.HasPrefix(tx.Description, "=") || strings.Contains(tx.Description, "HYPERLINK(") {
		t.Fatalf("description not sanitized: %q", tx.Description)
	}
	if tx.Note != NoteReceiptRequired {
		t.Fatalf("note: %q", tx.Note)
	}
	if got := h.mem.Cell(ss, tab, 2, sheets.IdxNote); got != NoteReceiptRequired {
		t.Fatalf("note cell: %q", got)
	}
}

func TestRun_VelocityFlagsBatch(t *testing.T) {
	h := newHarness(t, Config{VelocityThreshold: 2})
	h.mem.AddTab(ss, tab, scenarioRows()...)
	res := h.run(t)
	if !res.Periods[0].Velocity {
		t.Fatalf("velocity not flagged: %+v", res.Periods[0])
	}
	anoms, _ := h.st.ListAnomalies(context.Background(), store.AnomalyFilter{Type: anomaly.TypeVelocity})
	if len(anoms) != 3 {
		t.Fatalf("velocity anomalies: %d", len(anoms))
	}
}

func TestRun_FailedPeriodNotCommitted(t *testing.T) {
	// WHAT: a failed write aborts the period and leaves the digest
	// uncommitted; the next pass writes back the identifiers of the
	// records already staged instead of staging them again.
	h := newHarness(t, Config{})
	h.mem.AddTab(ss, tab, scenarioRows()...)
	h.mem.FailNext(memsheet.OpWrite, &sheets.APIError{Op: "batch_write", Status: 503, Message: "backend error"})

	res, err := h.eng.Run(context.Background(), Request{Sheet: h.sheet})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Periods[0].Error == "" || res.Periods[1].Skipped != SkipNoTab {
		t.Fatalf("periods: %+v", res.Periods)
	}

	res = h.run(t)
	cur := res.Periods[0]
	if cur.Skipped != "" || cur.Writes != 6 || cur.Created != 0 || cur.Adopted != 3 {
		t.Fatalf("retry pass: %+v", cur)
	}
	if len(h.txs(t)) != 3 {
		t.Fatal("retry duplicated records")
	}
}

func TestRun_LockedPeriods(t *testing.T) {
	h := newHarness(t, Config{}, WithLockGate(gate{"2026-02": true}))
	h.mem.AddTab(ss, "2026-02", []string{"2026-02-03", "Old row", "40", "Supplies", "R-1"})

	res := h.run(t)
	if res.Periods[1].Period != "2026-02" || res.Periods[1].Skipped != SkipLocked {
		t.Fatalf("locked period: %+v", res.Periods[1])
	}

	res, err := h.eng.Run(context.Background(), Request{Sheet: h.sheet, Periods: []string{"2026-02"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Periods) != 1 || res.Periods[0].Created != 1 {
		t.Fatalf("closing pass: %+v", res.Periods)
	}
}

func TestRun_ReadError(t *testing.T) {
	h := newHarness(t, Config{Periods: 1})
	h.mem.FailNext(memsheet.OpRead, errors.New("boom"))
	if _, err := h.eng.Run(context.Background(), Request{Sheet: h.sheet}); err == nil {
		t.Fatal("expected error")
	}
}
