package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const txColumns = `id, sheet_id, period, row_number, stable_id, digest, amount, currency, date,
	description, description_key, category, department, receipt, status, note,
	reject_reason, posting_id, fund_id, decided_by, decided_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r rowScanner) (*Transaction, error) {
	var t Transaction
	var amount, date, status string
	var decidedAt sql.NullInt64
	if err := r.Scan(&t.ID, &t.SheetID, &t.Period, &t.Row, &t.StableID, &t.Digest,
		&amount, &t.Currency, &date, &t.Description, &t.DescriptionKey, &t.Category, &t.Department,
		&t.Receipt, &status, &t.Note, &t.RejectReason, &t.PostingID, &t.FundID,
		&t.DecidedBy, &decidedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("store: transaction %s: amount %q: %w", t.ID, amount, err)
	}
	if t.Date, err = time.Parse(time.DateOnly, date); err != nil {
		return nil, fmt.Errorf("store: transaction %s: date %q: %w", t.ID, date, err)
	}
	t.Status = Status(status)
	if decidedAt.Valid {
		v := decidedAt.Int64
		t.DecidedAt = &v
	}
	return &t, nil
}

// InsertTransaction stores a new staged transaction. CreatedAt and
// UpdatedAt are set when zero.
func (s *Store) InsertTransaction(ctx context.Context, t *Transaction) error {
	now := s.nowMs()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO staged_transactions (`+txColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SheetID, t.Period, t.Row, t.StableID, t.Digest, t.Amount.String(), t.Currency,
		t.Date.Format(time.DateOnly), t.Description, t.DescriptionKey, t.Category,
		t.Department, t.Receipt, string(t.Status), t.Note, t.RejectReason, t.PostingID,
		t.FundID, t.DecidedBy, t.DecidedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert transaction %s: %w", t.StableID, err)
	}
	return nil
}

// UpdateContent rewrites the row-derived fields of a transaction that is
// still in status from, and sets its status to t.Status.
func (s *Store) UpdateContent(ctx context.Context, t *Transaction, from Status) error {
	t.UpdatedAt = s.nowMs()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE staged_transactions SET
			sheet_id = ?, period = ?, row_number = ?, digest = ?, amount = ?, currency = ?, date = ?,
			description = ?, description_key = ?, category = ?, department = ?, receipt = ?,
			status = ?, note = ?, reject_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		t.SheetID, t.Period, t.Row, t.Digest, t.Amount.String(), t.Currency, t.Date.Format(time.DateOnly),
		t.Description, t.DescriptionKey, t.Category, t.Department, t.Receipt,
		string(t.Status), t.Note, t.RejectReason, t.UpdatedAt, t.ID, string(from))
	if err != nil {
		return fmt.Errorf("store: update transaction %s: %w", t.ID, err)
	}
	return s.expectOne(ctx, res, t.ID)
}

// MoveRow records a new sheet position for a transaction in any status.
func (s *Store) MoveRow(ctx context.Context, id string, row int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE staged_transactions SET row_number = ?, updated_at = ? WHERE id = ?`,
		row, s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("store: move transaction %s: %w", id, err)
	}
	return nil
}

// Decision carries the fields written by an approval transition.
type Decision struct {
	Category     string
	FundID       string
	PostingID    string
	RejectReason string
	Actor        string
}

// Transition moves a transaction from PENDING to status. It returns
// ErrStale when the transaction is no longer PENDING.
func (s *Store) Transition(ctx context.Context, id string, to Status, d Decision) error {
	now := s.nowMs()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE staged_transactions SET
			status = ?,
			category = CASE WHEN ? <> '' THEN ? ELSE category END,
			fund_id = ?, posting_id = ?, reject_reason = ?,
			decided_by = ?, decided_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		string(to), d.Category, d.Category, d.FundID, d.PostingID, d.RejectReason,
		d.Actor, now, now, id)
	if err != nil {
		return fmt.Errorf("store: transition %s to %s: %w", id, to, err)
	}
	return s.expectOne(ctx, res, id)
}

// AttachPosting records the ledger posting of an APPROVED transaction that
// has none yet.
func (s *Store) AttachPosting(ctx context.Context, id, postingID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE staged_transactions SET posting_id = ?, updated_at = ?
		WHERE id = ? AND status = 'APPROVED' AND posting_id = ''`,
		postingID, s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("store: attach posting %s: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

// Release returns an APPROVED transaction without a posting to PENDING and
// restores its category. It undoes a claim whose promotion failed.
func (s *Store) Release(ctx context.Context, id, category string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE staged_transactions SET
			status = 'PENDING', category = ?, fund_id = '',
			decided_by = '', decided_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'APPROVED' AND posting_id = ''`,
		category, s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("store: release %s: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

// SetNote replaces the note of a transaction.
func (s *Store) SetNote(ctx context.Context, id, note string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE staged_transactions SET note = ?, updated_at = ? WHERE id = ?`, note, s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("store: set note %s: %w", id, err)
	}
	return nil
}

func (s *Store) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.DB.QueryRowContext(ctx, `SELECT 1 FROM staged_transactions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: transaction %s", ErrStale, id)
}

// GetTransaction returns a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTransaction(s.DB.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM staged_transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return t, err
}

// GetByStableID returns the transaction carrying a stable identifier.
func (s *Store) GetByStableID(ctx context.Context, stableID string) (*Transaction, error) {
	t, err := scanTransaction(s.DB.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM staged_transactions WHERE stable_id = ?`, stableID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: stable id %s", ErrNotFound, stableID)
	}
	return t, err
}

// TxFilter narrows ListTransactions.
type TxFilter struct {
	Status     Status
	Department string
	SheetID    string
	Period     string
	Limit      int
}

// ListTransactions returns transactions oldest first.
func (s *Store) ListTransactions(ctx context.Context, f TxFilter) ([]*Transaction, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Department != "" {
		where = append(where, "department = ?")
		args = append(args, f.Department)
	}
	if f.SheetID != "" {
		where = append(where, "sheet_id = ?")
		args = append(args, f.SheetID)
	}
	if f.Period != "" {
		where = append(where, "period = ?")
		args = append(args, f.Period)
	}
	q := `SELECT ` + txColumns + ` FROM staged_transactions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, row_number`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountDuplicates counts PENDING or APPROVED transactions on other sheets
// with the same amount and description key.
func (s *Store) CountDuplicates(ctx context.Context, amount decimal.Decimal, descriptionKey, excludeSheet string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM staged_transactions
		WHERE amount = ? AND description_key = ? AND sheet_id <> ?
		  AND status IN ('PENDING', 'APPROVED')`,
		amount.String(), descriptionKey, excludeSheet).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count duplicates: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of transactions per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM staged_transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()
	out := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// FindUnconfirmed returns a PENDING transaction staged from the given row
// whose stable identifier is not among present. Such a record exists when
// the identifier write-back failed after the insert.
func (s *Store) FindUnconfirmed(ctx context.Context, sheetID, period string, row int, digest string, present map[string]bool) (*Transaction, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+txColumns+` FROM staged_transactions
		WHERE sheet_id = ? AND period = ? AND row_number = ? AND digest = ? AND status = 'PENDING'
		ORDER BY created_at`, sheetID, period, row, digest)
	if err != nil {
		return nil, fmt.Errorf("store: find unconfirmed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		if !present[t.StableID] {
			return t, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: unconfirmed row %s/%s:%d", ErrNotFound, sheetID, period, row)
}
