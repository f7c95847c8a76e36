// Package ledger is the authoritative accounting store that approved rows
// are promoted into. Promotion is idempotent per stable identifier: the
// first call creates the posting, later calls return it unchanged.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownFund is returned when the fund does not exist or is closed.
	ErrUnknownFund = errors.New("ledger: unknown fund")
	// ErrUnknownAccount is returned when the account does not exist or
	// belongs to another fund.
	ErrUnknownAccount = errors.New("ledger: unknown account")
	// ErrInvalidEntry is returned for entries missing required fields.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
)

// Entry is a promotion request.
type Entry struct {
	StableID    string
	Amount      decimal.Decimal
	Date        time.Time
	Description string
	Category    string
	Department  string
	FundID      string
	AccountID   string // optional
}

func (e Entry) validate() error {
	if e.StableID == "" || e.FundID == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Posting is a ledger transaction created from a staged row.
type Posting struct {
	ID          string          `json:"id"`
	StableID    string          `json:"stable_id"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Department  string          `json:"department"`
	FundID      string          `json:"fund_id"`
	AccountID   string          `json:"account_id,omitempty"`
	PostedAt    time.Time       `json:"posted_at"`
}

// Fund is a pool of money postings are charged to.
type Fund struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Account is a chart-of-accounts line within a fund.
type Account struct {
	ID     string `json:"id"`
	FundID string `json:"fund_id"`
	Name   string `json:"name"`
}

// Writer is the ledger used by the approval workflow.
type Writer interface {
	// Promote creates the posting for e.StableID, or returns the existing
	// one with created=false.
	Promote(ctx context.Context, e Entry) (p Posting, created bool, err error)
	// Fund returns a fund by id, or ErrUnknownFund.
	Fund(ctx context.Context, id string) (Fund, error)
}
