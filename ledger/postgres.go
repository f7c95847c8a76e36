package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hazyhaar/sheetledger/idgen"
)

// PostgresSchema is the DDL of the Postgres ledger.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_funds (
    id     TEXT PRIMARY KEY,
    name   TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS ledger_accounts (
    id      TEXT PRIMARY KEY,
    fund_id TEXT NOT NULL REFERENCES ledger_funds(id),
    name    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_postings (
    id          TEXT PRIMARY KEY,
    stable_id   TEXT NOT NULL UNIQUE,
    amount      NUMERIC(18,2) NOT NULL,
    date        DATE NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    category    TEXT NOT NULL DEFAULT '',
    department  TEXT NOT NULL DEFAULT '',
    fund_id     TEXT NOT NULL REFERENCES ledger_funds(id),
    account_id  TEXT NOT NULL DEFAULT '',
    posted_at   TIMESTAMPTZ NOT NULL
);
`

// Postgres is a Writer over a pgx connection pool.
type Postgres struct {
	pool  *pgxpool.Pool
	newID idgen.Generator
	now   func() time.Time
}

// OpenPostgres connects to dsn and applies PostgresSchema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Postgres{pool: pool, newID: idgen.Prefixed("pst_", idgen.Default), now: time.Now}, nil
}

// Close releases the pool.
func (l *Postgres) Close() { l.pool.Close() }

// AddFund creates or updates a fund.
func (l *Postgres) AddFund(ctx context.Context, f Fund) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO ledger_funds (id, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active`,
		f.ID, f.Name, f.Active)
	if err != nil {
		return fmt.Errorf("ledger: add fund %s: %w", f.ID, err)
	}
	return nil
}

// Fund implements Writer.
func (l *Postgres) Fund(ctx context.Context, id string) (Fund, error) {
	var f Fund
	err := l.pool.QueryRow(ctx, `SELECT id, name, active FROM ledger_funds WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Fund{}, fmt.Errorf("%w: %s", ErrUnknownFund, id)
	}
	if err != nil {
		return Fund{}, fmt.Errorf("ledger: fund %s: %w", id, err)
	}
	return f, nil
}

// Promote implements Writer. The unique stable_id constraint makes
// concurrent promotions of the same row create one posting.
func (l *Postgres) Promote(ctx context.Context, e Entry) (Posting, bool, error) {
	if err := e.validate(); err != nil {
		return Posting{}, false, err
	}
	f, err := l.Fund(ctx, e.FundID)
	if err != nil {
		return Posting{}, false, err
	}
	if !f.Active {
		return Posting{}, false, fmt.Errorf("%w: %s is closed", ErrUnknownFund, e.FundID)
	}
	if e.AccountID != "" {
		var fundID string
		err := l.pool.QueryRow(ctx, `SELECT fund_id FROM ledger_accounts WHERE id = $1`, e.AccountID).Scan(&fundID)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && fundID != e.FundID) {
			return Posting{}, false, fmt.Errorf("%w: %s", ErrUnknownAccount, e.AccountID)
		}
		if err != nil {
			return Posting{}, false, fmt.Errorf("ledger: account %s: %w", e.AccountID, err)
		}
	}

	p := Posting{
		ID: l.newID(), StableID: e.StableID, Amount: e.Amount, Date: e.Date,
		Description: e.Description, Category: e.Category, Department: e.Department,
		FundID: e.FundID, AccountID: e.AccountID, PostedAt: l.now().UTC(),
	}
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO ledger_postings (id, stable_id, amount, date, description, category, department, fund_id, account_id, posted_at)
		VALUES ($1, $2, CAST($3::text AS numeric), $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stable_id) DO NOTHING`,
		p.ID, p.StableID, p.Amount.String(), p.Date, p.Description, p.Category,
		p.Department, p.FundID, p.AccountID, p.PostedAt)
	if err != nil {
		return Posting{}, false, fmt.Errorf("ledger: promote %s: %w", e.StableID, err)
	}
	if tag.RowsAffected() == 1 {
		return p, true, nil
	}

	existing, err := l.posting(ctx, e.StableID)
	if err != nil {
		return Posting{}, false, err
	}
	return existing, false, nil
}

func (l *Postgres) posting(ctx context.Context, stableID string) (Posting, error) {
	var p Posting
	var amount string
	err := l.pool.QueryRow(ctx, `
		SELECT id, stable_id, amount::text, date, description, category, department, fund_id, account_id, posted_at
		FROM ledger_postings WHERE stable_id = $1`, stableID).
		Scan(&p.ID, &p.StableID, &amount, &p.Date, &p.Description, &p.Category,
			&p.Department, &p.FundID, &p.AccountID, &p.PostedAt)
	if err != nil {
		return Posting{}, fmt.Errorf("ledger: posting %s: %w", stableID, err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return Posting{}, fmt.Errorf("ledger: bad amount %q: %w", amount, err)
	}
	return p, nil
}

var _ Writer = (*Postgres)(nil)
