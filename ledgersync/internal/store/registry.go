package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// UpsertSheet registers or updates a sheet.
func (s *Store) UpsertSheet(ctx context.Context, sh *Sheet) error {
	if sh.CreatedAt == 0 {
		sh.CreatedAt = s.nowMs()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sheets (id, spreadsheet_id, department, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spreadsheet_id = excluded.spreadsheet_id,
			department = excluded.department,
			active = excluded.active`,
		sh.ID, sh.SpreadsheetID, sh.Department, sh.Active, sh.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert sheet %s: %w", sh.ID, err)
	}
	return nil
}

// GetSheet returns a registered sheet.
func (s *Store) GetSheet(ctx context.Context, id string) (*Sheet, error) {
	var sh Sheet
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, spreadsheet_id, department, active, created_at FROM sheets WHERE id = ?`, id).
		Scan(&sh.ID, &sh.SpreadsheetID, &sh.Department, &sh.Active, &sh.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sheet %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get sheet %s: %w", id, err)
	}
	return &sh, nil
}

// ListSheets returns registered sheets ordered by id.
func (s *Store) ListSheets(ctx context.Context, activeOnly bool) ([]*Sheet, error) {
	q := `SELECT id, spreadsheet_id, department, active, created_at FROM sheets`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list sheets: %w", err)
	}
	defer rows.Close()
	var out []*Sheet
	for rows.Next() {
		var sh Sheet
		if err := rows.Scan(&sh.ID, &sh.SpreadsheetID, &sh.Department, &sh.Active, &sh.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sh)
	}
	return out, rows.Err()
}

// SetBudget stores the budget of a department for a period.
func (s *Store) SetBudget(ctx context.Context, department, period string, amount decimal.Decimal) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO budgets (department, period, amount) VALUES (?, ?, ?)
		ON CONFLICT(department, period) DO UPDATE SET amount = excluded.amount`,
		department, period, amount.String())
	if err != nil {
		return fmt.Errorf("store: set budget %s/%s: %w", department, period, err)
	}
	return nil
}

// Budget returns the budget of a department for a period. ok is false when
// none is set.
func (s *Store) Budget(ctx context.Context, department, period string) (decimal.Decimal, bool, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx,
		`SELECT amount FROM budgets WHERE department = ? AND period = ?`, department, period).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("store: budget %s/%s: %w", department, period, err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("store: budget %s/%s: %w", department, period, err)
	}
	return d, true, nil
}

// RecordHint counts one use of category for a description token.
func (s *Store) RecordHint(ctx context.Context, token, category string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO category_hints (token, category, hits, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(token, category) DO UPDATE SET hits = hits + 1, updated_at = excluded.updated_at`,
		token, category, s.nowMs())
	if err != nil {
		return fmt.Errorf("store: record hint %s: %w", token, err)
	}
	return nil
}

// Hint returns the most used category for a token and its hit count.
func (s *Store) Hint(ctx context.Context, token string) (string, int, error) {
	var category string
	var hits int
	err := s.DB.QueryRowContext(ctx, `
		SELECT category, hits FROM category_hints WHERE token = ?
		ORDER BY hits DESC, updated_at DESC LIMIT 1`, token).Scan(&category, &hits)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("store: hint %s: %w", token, err)
	}
	return category, hits, nil
}
