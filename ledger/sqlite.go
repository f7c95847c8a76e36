package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/idgen"
)

// SQLiteSchema is the DDL of the embedded ledger.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS ledger_funds (
    id     TEXT PRIMARY KEY,
    name   TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS ledger_accounts (
    id      TEXT PRIMARY KEY,
    fund_id TEXT NOT NULL REFERENCES ledger_funds(id),
    name    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_postings (
    id          TEXT PRIMARY KEY,
    stable_id   TEXT NOT NULL UNIQUE,
    amount      TEXT NOT NULL,
    date        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    category    TEXT NOT NULL DEFAULT '',
    department  TEXT NOT NULL DEFAULT '',
    fund_id     TEXT NOT NULL REFERENCES ledger_funds(id),
    account_id  TEXT NOT NULL DEFAULT '',
    posted_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_postings_fund ON ledger_postings(fund_id, date);
`

// SQLite is a Writer over an SQLite database.
type SQLite struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// NewSQLite returns a ledger over db. Apply SQLiteSchema first.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, newID: idgen.Prefixed("pst_", idgen.Default), now: time.Now}
}

// AddFund creates or updates a fund.
func (l *SQLite) AddFund(ctx context.Context, f Fund) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_funds (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active`,
		f.ID, f.Name, f.Active)
	if err != nil {
		return fmt.Errorf("ledger: add fund %s: %w", f.ID, err)
	}
	return nil
}

// AddAccount creates or updates an account.
func (l *SQLite) AddAccount(ctx context.Context, a Account) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, fund_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fund_id = excluded.fund_id, name = excluded.name`,
		a.ID, a.FundID, a.Name)
	if err != nil {
		return fmt.Errorf("ledger: add account %s: %w", a.ID, err)
	}
	return nil
}

// Fund implements Writer.
func (l *SQLite) Fund(ctx context.Context, id string) (Fund, error) {
	return l.fund(ctx, l.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *SQLite) fund(ctx context.Context, q querier, id string) (Fund, error) {
	var f Fund
	err := q.QueryRowContext(ctx, `SELECT id, name, active FROM ledger_funds WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Fund{}, fmt.Errorf("%w: %s", ErrUnknownFund, id)
	}
	if err != nil {
		return Fund{}, fmt.Errorf("ledger: fund %s: %w", id, err)
	}
	return f, nil
}

// Promote implements Writer.
func (l *SQLite) Promote(ctx context.Context, e Entry) (Posting, bool, error) {
	if err := e.validate(); err != nil {
		return Posting{}, false, err
	}
	var p Posting
	var created bool
	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		existing, err := scanPosting(tx.QueryRowContext(ctx,
			`SELECT `+postingColumns+` FROM ledger_postings WHERE stable_id = ?`, e.StableID))
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		f, err := l.fund(ctx, tx, e.FundID)
		if err != nil {
			return err
		}
		if !f.Active {
			return fmt.Errorf("%w: %s is closed", ErrUnknownFund, e.FundID)
		}
		if e.AccountID != "" {
			var fundID string
			err := tx.QueryRowContext(ctx, `SELECT fund_id FROM ledger_accounts WHERE id = ?`, e.AccountID).Scan(&fundID)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && fundID != e.FundID) {
				return fmt.Errorf("%w: %s", ErrUnknownAccount, e.AccountID)
			}
			if err != nil {
				return err
			}
		}

		p = Posting{
			ID: l.newID(), StableID: e.StableID, Amount: e.Amount, Date: e.Date,
			Description: e.Description, Category: e.Category, Department: e.Department,
			FundID: e.FundID, AccountID: e.AccountID, PostedAt: l.now().UTC().Truncate(time.Millisecond),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_postings (id, stable_id, amount, date, description, category, department, fund_id, account_id, posted_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			p.ID, p.StableID, p.Amount.String(), p.Date.Format(time.DateOnly), p.Description,
			p.Category, p.Department, p.FundID, p.AccountID, p.PostedAt.UnixMilli())
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownFund) || errors.Is(err, ErrUnknownAccount) {
			return Posting{}, false, err
		}
		return Posting{}, false, fmt.Errorf("ledger: promote %s: %w", e.StableID, err)
	}
	return p, created, nil
}

// Posting returns the posting of a stable id.
func (l *SQLite) Posting(ctx context.Context, stableID string) (Posting, bool, error) {
	p, err := scanPosting(l.db.QueryRowContext(ctx,
		`SELECT `+postingColumns+` FROM ledger_postings WHERE stable_id = ?`, stableID))
	if errors.Is(err, sql.ErrNoRows) {
		return Posting{}, false, nil
	}
	if err != nil {
		return Posting{}, false, fmt.Errorf("ledger: posting %s: %w", stableID, err)
	}
	return p, true, nil
}

// Count returns the number of postings.
func (l *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_postings`).Scan(&n)
	return n, err
}

const postingColumns = `id, stable_id, amount, date, description, category, department, fund_id, account_id, posted_at`

func scanPosting(row *sql.Row) (Posting, error) {
	var p Posting
	var amount, date string
	var postedAt int64
	if err := row.Scan(&p.ID, &p.StableID, &amount, &date, &p.Description, &p.Category,
		&p.Department, &p.FundID, &p.AccountID, &postedAt); err != nil {
		return Posting{}, err
	}
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return Posting{}, fmt.Errorf("ledger: bad amount %q: %w", amount, err)
	}
	if p.Date, err = time.Parse(time.DateOnly, date); err != nil {
		return Posting{}, fmt.Errorf("ledger: bad date %q: %w", date, err)
	}
	p.PostedAt = time.UnixMilli(postedAt).UTC()
	return p, nil
}

var _ Writer = (*SQLite)(nil)
