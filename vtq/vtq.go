// Package vtq implements a durable job queue backed by SQLite with
// visibility timeouts and priorities.
//
// A claimed job is invisible to other consumers for the visibility
// duration. If the holder finishes it, the job moves to the done or failed
// state and stays in the table for bookkeeping until pruned. If the holder
// crashes, the job becomes visible again once the timeout elapses.
//
// Claim order is priority first (higher first), then FIFO by creation time.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    priority    INTEGER NOT NULL DEFAULT 0,
//	    state       TEXT NOT NULL DEFAULT 'waiting',
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- ms since epoch
//	    created_at  INTEGER NOT NULL,             -- ms since epoch
//	    finished_at INTEGER,
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    last_error  TEXT NOT NULL DEFAULT ''
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Job states.
const (
	StateWaiting = "waiting"
	StateActive  = "active"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Job is a row in the queue.
type Job struct {
	ID         string
	Queue      string
	Payload    []byte
	Priority   int
	State      string
	VisibleAt  time.Time
	CreatedAt  time.Time
	FinishedAt time.Time
	Attempts   int
	LastError  string
}

// Stats counts jobs per state.
type Stats struct {
	Waiting int `json:"waiting"`
	Active  int `json:"active"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Several queues share one table.
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 10m.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// Gate, when set, is consulted before each claim in Run. Returning
	// false leaves visible jobs in place.
	Gate func() bool
	// Now overrides the clock. Default: time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the vtq_jobs table and indexes if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			priority    INTEGER NOT NULL DEFAULT 0,
			state       TEXT NOT NULL DEFAULT 'waiting',
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			finished_at INTEGER,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_claim ON vtq_jobs (queue, state, priority DESC, created_at);
	`)
	if err != nil {
		return fmt.Errorf("vtq: ensure table: %w", err)
	}
	return nil
}

// Publish inserts a job that is immediately visible.
func (q *Q) Publish(ctx context.Context, id string, payload []byte, priority int) error {
	return q.PublishDelayed(ctx, id, payload, priority, 0)
}

// PublishDelayed inserts a job that becomes visible after delay.
func (q *Q) PublishDelayed(ctx context.Context, id string, payload []byte, priority int, delay time.Duration) error {
	now := q.opts.Now()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO vtq_jobs (id, queue, payload, priority, state, visible_at, created_at)
		 VALUES (?, ?, ?, ?, 'waiting', ?, ?)`,
		id, q.opts.Queue, payload, priority, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("vtq: publish %s: %w", id, err)
	}
	return nil
}

// Claim atomically picks the highest-priority, oldest visible job, marks
// it active and invisible for the visibility duration. Returns nil, nil
// when no job is available. Active jobs whose visibility expired are
// claimable again.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := q.opts.Now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE vtq_jobs
		SET state = 'active', visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND state IN ('waiting', 'active') AND visible_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	return j, nil
}

// Get returns a job by id, or nil when it does not exist.
func (q *Q) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vtq: get %s: %w", id, err)
	}
	return j, nil
}

// Ack marks a job done.
func (q *Q) Ack(ctx context.Context, id string) error {
	return q.finish(ctx, id, StateDone, "")
}

// Fail marks a job failed with the given reason. Failed jobs are never
// claimed again.
func (q *Q) Fail(ctx context.Context, id, reason string) error {
	return q.finish(ctx, id, StateFailed, reason)
}

func (q *Q) finish(ctx context.Context, id, state, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET state = ?, finished_at = ?, last_error = ? WHERE id = ? AND queue = ?`,
		state, q.opts.Now().UnixMilli(), reason, id, q.opts.Queue,
	)
	if err != nil {
		return fmt.Errorf("vtq: %s %s: %w", state, id, err)
	}
	return nil
}

// Nack makes a job immediately visible again.
func (q *Q) Nack(ctx context.Context, id string) error {
	return q.Retry(ctx, id, 0, "")
}

// Retry puts a job back in the waiting state, visible after delay.
// The attempt counter is kept.
func (q *Q) Retry(ctx context.Context, id string, delay time.Duration, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET state = 'waiting', visible_at = ?, last_error = ? WHERE id = ? AND queue = ?`,
		q.opts.Now().Add(delay).UnixMilli(), reason, id, q.opts.Queue,
	)
	if err != nil {
		return fmt.Errorf("vtq: retry %s: %w", id, err)
	}
	return nil
}

// Stats counts jobs per state.
func (q *Q) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM vtq_jobs WHERE queue = ? GROUP BY state`, q.opts.Queue)
	if err != nil {
		return Stats{}, fmt.Errorf("vtq: stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, fmt.Errorf("vtq: stats scan: %w", err)
		}
		switch state {
		case StateWaiting:
			s.Waiting = n
		case StateActive:
			s.Active = n
		case StateDone:
			s.Done = n
		case StateFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}

// Pending returns the waiting and active jobs in claim order.
func (q *Q) Pending(ctx context.Context) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM vtq_jobs
		 WHERE queue = ? AND state IN ('waiting', 'active')
		 ORDER BY priority DESC, created_at ASC, id ASC`, q.opts.Queue)
	if err != nil {
		return nil, fmt.Errorf("vtq: pending: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("vtq: pending scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Prune deletes done and failed jobs finished before now-olderThan.
func (q *Q) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE queue = ? AND state IN ('done', 'failed') AND finished_at < ?`,
		q.opts.Queue, q.opts.Now().Add(-olderThan).UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("vtq: prune: %w", err)
	}
	return res.RowsAffected()
}

// Len returns the number of waiting and active jobs.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ? AND state IN ('waiting', 'active')`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// RetryError asks Run to reschedule the job instead of failing it.
type RetryError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryError) Error() string { return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err) }
func (e *RetryError) Unwrap() error { return e.Err }

// RetryLater wraps err so that Run reschedules the job after delay.
func RetryLater(err error, delay time.Duration) error {
	return &RetryError{Delay: delay, Err: err}
}

// Handler processes a claimed job. nil acks, a *RetryError reschedules,
// any other error fails the job.
type Handler func(ctx context.Context, job *Job) error

// Run claims and handles jobs one at a time until ctx is cancelled. A job
// in flight when the Gate closes runs to completion.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started", "queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.Drain(ctx, handler)
		}
	}
}

// Drain handles visible jobs until none is left, the gate closes or ctx
// is cancelled. It returns the number of jobs handled.
func (q *Q) Drain(ctx context.Context, handler Handler) int {
	log := q.opts.Logger
	handled := 0
	for ctx.Err() == nil {
		if q.opts.Gate != nil && !q.opts.Gate() {
			return handled
		}
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			return handled
		}
		if job == nil {
			return handled
		}
		handled++

		// Bookkeeping must survive a cancellation that arrives mid-job.
		bg := context.WithoutCancel(ctx)
		herr := handler(ctx, job)
		var retry *RetryError
		switch {
		case herr == nil:
			err = q.Ack(bg, job.ID)
		case errors.As(herr, &retry):
			log.Warn("vtq: handler failed, rescheduling", "id", job.ID, "attempts", job.Attempts, "delay", retry.Delay, "error", retry.Err)
			err = q.Retry(bg, job.ID, retry.Delay, retry.Err.Error())
		default:
			log.Warn("vtq: handler failed", "id", job.ID, "attempts", job.Attempts, "error", herr)
			err = q.Fail(bg, job.ID, herr.Error())
		}
		if err != nil {
			log.Error("vtq: bookkeeping failed", "id", job.ID, "error", err)
		}
	}
	return handled
}

const jobColumns = `id, queue, payload, priority, state, visible_at, created_at, COALESCE(finished_at, 0), attempts, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var visAt, creAt, finAt int64
	if err := s.Scan(&j.ID, &j.Queue, &j.Payload, &j.Priority, &j.State, &visAt, &creAt, &finAt, &j.Attempts, &j.LastError); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	if finAt > 0 {
		j.FinishedAt = time.UnixMilli(finAt)
	}
	return &j, nil
}
