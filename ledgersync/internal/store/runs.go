package store

import (
	"context"
	"fmt"
)

// InsertRun records one job attempt.
func (s *Store) InsertRun(ctx context.Context, r *SyncRun) error {
	if r.Summary == "" {
		r.Summary = "{}"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_runs (job_id, attempt, sheet_id, priority, status, error, summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Attempt, r.SheetID, r.Priority, r.Status, r.Error, r.Summary, r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("store: insert run %s: %w", r.JobID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, optionally for one sheet.
func (s *Store) ListRuns(ctx context.Context, sheetID string, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT job_id, attempt, sheet_id, priority, status, error, summary, started_at, finished_at FROM sync_runs`
	var args []any
	if sheetID != "" {
		q += ` WHERE sheet_id = ?`
		args = append(args, sheetID)
	}
	q += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()
	var out []*SyncRun
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.JobID, &r.Attempt, &r.SheetID, &r.Priority, &r.Status,
			&r.Error, &r.Summary, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PruneRuns deletes runs finished before cutoffMs.
func (s *Store) PruneRuns(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sync_runs WHERE finished_at < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: %w", err)
	}
	return res.RowsAffected()
}
