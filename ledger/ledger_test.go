package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/sheetledger/dbopen"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(SQLiteSchema))
	l := NewSQLite(db)
	ctx := context.Background()
	if err := l.AddFund(ctx, Fund{ID: "F", Name: "General fund", Active: true}); err != nil {
		t.Fatal(err)
	}
	l.AddFund(ctx, Fund{ID: "OLD", Name: "Closed fund", Active: false})
	l.AddAccount(ctx, Account{ID: "6000", FundID: "F", Name: "Supplies"})
	return l
}

func entry(stableID string, amount int64) Entry {
	return Entry{
		StableID:    stableID,
		Amount:      decimal.NewFromInt(amount),
		Date:        time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		Description: "Projector",
		Category:    "Equipment",
		Department:  "Science",
		FundID:      "F",
	}
}

func TestPromote_ExactlyOncePerStableID(t *testing.T) {
	// WHAT: promoting the same stable id twice yields one posting.
	// WHY: a retried approval must never double-post money.
	l := newSQLite(t)
	ctx := context.Background()

	p1, created, err := l.Promote(ctx, entry("TX-AAAAAAAAAA", 5000))
	if err != nil {
		t.Fatal(err)
	}
	if !created || !p1.Amount.Equal(decimal.NewFromInt(5000)) || p1.FundID != "F" {
		t.Fatalf("first promote: created=%v %+v", created, p1)
	}

	p2, created, err := l.Promote(ctx, entry("TX-AAAAAAAAAA", 9999))
	if err != nil {
		t.Fatal(err)
	}
	if created || p2.ID != p1.ID || !p2.Amount.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("second promote: created=%v %+v", created, p2)
	}
	if n, _ := l.Count(ctx); n != 1 {
		t.Fatalf("postings: got %d, want 1", n)
	}
	if !p2.Date.Equal(p1.Date) {
		t.Fatalf("date round trip: %v vs %v", p2.Date, p1.Date)
	}
}

func TestPromote_UnknownFundAndAccount(t *testing.T) {
	l := newSQLite(t)
	ctx := context.Background()

	e := entry("TX-BBBBBBBBBB", 10)
	e.FundID = "NOPE"
	if _, _, err := l.Promote(ctx, e); !errors.Is(err, ErrUnknownFund) {
		t.Fatalf("unknown fund: got %v", err)
	}
	e.FundID = "OLD"
	if _, _, err := l.Promote(ctx, e); !errors.Is(err, ErrUnknownFund) {
		t.Fatalf("closed fund: got %v", err)
	}
	e.FundID = "F"
	e.AccountID = "9999"
	if _, _, err := l.Promote(ctx, e); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("unknown account: got %v", err)
	}
	e.AccountID = "6000"
	if _, created, err := l.Promote(ctx, e); err != nil || !created {
		t.Fatalf("valid account: created=%v err=%v", created, err)
	}
	if _, _, err := l.Promote(ctx, Entry{FundID: "F"}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("missing stable id: got %v", err)
	}
}

func TestPosting_Lookup(t *testing.T) {
	l := newSQLite(t)
	ctx := context.Background()
	if _, ok, _ := l.Posting(ctx, "TX-CCCCCCCCCC"); ok {
		t.Fatal("unexpected posting")
	}
	e := entry("TX-CCCCCCCCCC", 0)
	e.Amount = decimal.RequireFromString("12.34")
	l.Promote(ctx, e)
	p, ok, err := l.Posting(ctx, "TX-CCCCCCCCCC")
	if err != nil || !ok || p.Amount.String() != "12.34" {
		t.Fatalf("posting: %+v ok=%v err=%v", p, ok, err)
	}
}
