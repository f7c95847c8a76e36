package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetLock records the lock state of (sheet, period).
func (s *Store) SetLock(ctx context.Context, sheetID, period string, active bool, actor string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO temporal_locks (sheet_id, period, active, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sheet_id, period) DO UPDATE SET
			active = excluded.active, changed_by = excluded.changed_by, changed_at = excluded.changed_at`,
		sheetID, period, active, actor, s.nowMs())
	if err != nil {
		return fmt.Errorf("store: set lock %s/%s: %w", sheetID, period, err)
	}
	return nil
}

// GetLock returns the lock of (sheet, period). A pair never locked is
// returned inactive.
func (s *Store) GetLock(ctx context.Context, sheetID, period string) (*Lock, error) {
	l := Lock{SheetID: sheetID, Period: period}
	err := s.DB.QueryRowContext(ctx,
		`SELECT active, changed_by, changed_at FROM temporal_locks WHERE sheet_id = ? AND period = ?`,
		sheetID, period).Scan(&l.Active, &l.ChangedBy, &l.ChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get lock %s/%s: %w", sheetID, period, err)
	}
	return &l, nil
}

// ListLocks returns the active locks of a sheet, or of all sheets when
// sheetID is empty.
func (s *Store) ListLocks(ctx context.Context, sheetID string) ([]*Lock, error) {
	q := `SELECT sheet_id, period, active, changed_by, changed_at FROM temporal_locks WHERE active = 1`
	var args []any
	if sheetID != "" {
		q += ` AND sheet_id = ?`
		args = append(args, sheetID)
	}
	q += ` ORDER BY sheet_id, period`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list locks: %w", err)
	}
	defer rows.Close()
	var out []*Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.SheetID, &l.Period, &l.Active, &l.ChangedBy, &l.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

const unlockColumns = `id, sheet_id, period, reason, requested_by, status, approved_by,
	requested_at, approved_at, expires_at, closed_at`

func scanUnlock(r rowScanner) (*UnlockRequest, error) {
	var u UnlockRequest
	var approvedAt, expiresAt, closedAt sql.NullInt64
	if err := r.Scan(&u.ID, &u.SheetID, &u.Period, &u.Reason, &u.RequestedBy, &u.Status,
		&u.ApprovedBy, &u.RequestedAt, &approvedAt, &expiresAt, &closedAt); err != nil {
		return nil, err
	}
	u.ApprovedAt = nullInt(approvedAt)
	u.ExpiresAt = nullInt(expiresAt)
	u.ClosedAt = nullInt(closedAt)
	return &u, nil
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// InsertUnlockRequest stores a pending request.
func (s *Store) InsertUnlockRequest(ctx context.Context, u *UnlockRequest) error {
	u.Status = UnlockPending
	if u.RequestedAt == 0 {
		u.RequestedAt = s.nowMs()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO unlock_requests (id, sheet_id, period, reason, requested_by, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SheetID, u.Period, u.Reason, u.RequestedBy, u.Status, u.RequestedAt)
	if err != nil {
		return fmt.Errorf("store: insert unlock request: %w", err)
	}
	return nil
}

// GetUnlockRequest returns a request by id.
func (s *Store) GetUnlockRequest(ctx context.Context, id string) (*UnlockRequest, error) {
	u, err := scanUnlock(s.DB.QueryRowContext(ctx,
		`SELECT `+unlockColumns+` FROM unlock_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unlock request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get unlock request %s: %w", id, err)
	}
	return u, nil
}

// ApproveUnlockRequest turns a pending request into a grant expiring at
// expiresAt. It returns ErrStale when the request is no longer pending.
func (s *Store) ApproveUnlockRequest(ctx context.Context, id, approver string, expiresAt int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE unlock_requests SET status = ?, approved_by = ?, approved_at = ?, expires_at = ?
		WHERE id = ? AND status = ?`,
		UnlockApproved, approver, s.nowMs(), expiresAt, id, UnlockPending)
	if err != nil {
		return fmt.Errorf("store: approve unlock request %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetUnlockRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: unlock request %s", ErrStale, id)
	}
	return nil
}

// ActiveGrant returns the approved, unexpired grant of (sheet, period), if any.
func (s *Store) ActiveGrant(ctx context.Context, sheetID, period string, nowMs int64) (*UnlockRequest, error) {
	u, err := scanUnlock(s.DB.QueryRowContext(ctx, `
		SELECT `+unlockColumns+` FROM unlock_requests
		WHERE sheet_id = ? AND period = ? AND status = ? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1`,
		sheetID, period, UnlockApproved, nowMs))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: active grant %s/%s: %w", sheetID, period, err)
	}
	return u, nil
}

// ExpiredGrants returns approved grants whose window ended at or before nowMs.
func (s *Store) ExpiredGrants(ctx context.Context, nowMs int64) ([]*UnlockRequest, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+unlockColumns+` FROM unlock_requests
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at, id`, UnlockApproved, nowMs)
	if err != nil {
		return nil, fmt.Errorf("store: expired grants: %w", err)
	}
	defer rows.Close()
	var out []*UnlockRequest
	for rows.Next() {
		u, err := scanUnlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CloseGrant marks a grant expired. It reports false if another sweep
// closed it first.
func (s *Store) CloseGrant(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE unlock_requests SET status = ?, closed_at = ? WHERE id = ? AND status = ?`,
		UnlockExpired, s.nowMs(), id, UnlockApproved)
	if err != nil {
		return false, fmt.Errorf("store: close grant %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListUnlockRequests returns requests in a status, newest first.
func (s *Store) ListUnlockRequests(ctx context.Context, status string) ([]*UnlockRequest, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+unlockColumns+` FROM unlock_requests WHERE status = ? ORDER BY requested_at DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list unlock requests: %w", err)
	}
	defer rows.Close()
	var out []*UnlockRequest
	for rows.Next() {
		u, err := scanUnlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
