package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InsertAnomaly stores an anomaly unless a non-ignored one of the same type
// already exists for the transaction. It reports whether a row was created.
func (s *Store) InsertAnomaly(ctx context.Context, a *Anomaly) (bool, error) {
	if a.CreatedAt == 0 {
		a.CreatedAt = s.nowMs()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO anomalies (id, transaction_id, type, severity, description, ignored, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.TransactionID, a.Type, string(a.Severity), a.Description, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("store: insert anomaly %s/%s: %w", a.TransactionID, a.Type, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IgnoreAnomaly marks an anomaly as ignored.
func (s *Store) IgnoreAnomaly(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE anomalies SET ignored = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: ignore anomaly %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: anomaly %s", ErrNotFound, id)
	}
	return nil
}

// AnomalyFilter narrows ListAnomalies. Times are Unix milliseconds; zero
// means unbounded.
type AnomalyFilter struct {
	TransactionID  string
	Type           string
	Since, Until   int64
	MinSeverity    Severity
	IncludeIgnored bool
	Limit          int
}

// ListAnomalies returns anomalies oldest first.
func (s *Store) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]*Anomaly, error) {
	var where []string
	var args []any
	if f.TransactionID != "" {
		where = append(where, "transaction_id = ?")
		args = append(args, f.TransactionID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		where = append(where, "created_at < ?")
		args = append(args, f.Until)
	}
	if !f.IncludeIgnored {
		where = append(where, "ignored = 0")
	}
	switch f.MinSeverity {
	case SeverityHigh:
		where = append(where, "severity = 'HIGH'")
	case SeverityMedium:
		where = append(where, "severity IN ('MEDIUM', 'HIGH')")
	}
	q := `SELECT id, transaction_id, type, severity, description, ignored, created_at FROM anomalies`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list anomalies: %w", err)
	}
	defer rows.Close()
	var out []*Anomaly
	for rows.Next() {
		var a Anomaly
		var sev string
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Type, &sev, &a.Description, &a.Ignored, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan anomaly: %w", err)
		}
		a.Severity = Severity(sev)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetAnomaly returns an anomaly by id.
func (s *Store) GetAnomaly(ctx context.Context, id string) (*Anomaly, error) {
	var a Anomaly
	var sev string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, transaction_id, type, severity, description, ignored, created_at FROM anomalies WHERE id = ?`, id).
		Scan(&a.ID, &a.TransactionID, &a.Type, &sev, &a.Description, &a.Ignored, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: anomaly %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get anomaly %s: %w", id, err)
	}
	a.Severity = Severity(sev)
	return &a, nil
}
