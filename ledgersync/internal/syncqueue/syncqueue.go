// Package syncqueue schedules reconciliation jobs.
//
// Manual and periodic producers publish into one durable vtq queue; a
// single worker drains it in priority-then-FIFO order, so at most one
// sheet is being reconciled at any instant. Each job is checked against
// the sheet's circuit before any external call, retried with a linear
// backoff on transient errors, and recorded in sync_runs.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/sheetledger/breaker"
	"github.com/hazyhaar/sheetledger/idgen"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/notify"
	"github.com/hazyhaar/sheetledger/observability"
	"github.com/hazyhaar/sheetledger/sheets"
	"github.com/hazyhaar/sheetledger/vtq"
)

// Queue is the vtq queue name.
const Queue = "sync"

// Job priorities.
const (
	PriorityPeriodic = 0
	PriorityManual   = 10
)

// Outcomes recorded in sync_runs.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeSkipped   = "skipped"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
)

// Job is the payload of a queued reconciliation.
type Job struct {
	ID            string    `json:"id"`
	SheetID       string    `json:"sheet_id"`
	SpreadsheetID string    `json:"spreadsheet_id"`
	Department    string    `json:"department"`
	Priority      int       `json:"priority"`
	RequestedBy   string    `json:"requested_by,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Periods       []string  `json:"periods,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Attempt       int       `json:"-"`
}

// PriorityName returns "manual" or "periodic".
func (j *Job) PriorityName() string {
	if j.Priority >= PriorityManual {
		return "manual"
	}
	return "periodic"
}

// Executor runs one job. The summary is stored with the run.
type Executor func(ctx context.Context, job *Job) (summary any, err error)

// Invalidator forgets the change-detection digests of a sheet.
type Invalidator interface {
	Invalidate(ctx context.Context, sheetID string) error
}

// Config tunes the scheduler.
type Config struct {
	// MaxAttempts bounds how often a job runs. Default 3.
	MaxAttempts int
	// RetryBase is the delay before the second attempt; later attempts
	// wait RetryBase times the attempt number. Default 2m.
	RetryBase time.Duration
	// Visibility is how long a claimed job stays hidden. Default 15m.
	Visibility time.Duration
	// PollInterval is the worker's idle poll. Default 1s.
	PollInterval time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Minute
	}
	if c.Visibility <= 0 {
		c.Visibility = 15 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Scheduler owns the sync queue and its single worker.
type Scheduler struct {
	cfg     Config
	q       *vtq.Q
	store   *store.Store
	breaker *breaker.Breaker
	exec    Executor
	cache   Invalidator
	alerts  observability.Alerter
	sender  notify.Sender
	observe func(outcome string, d time.Duration)
	paused  atomic.Bool
	newID   idgen.Generator
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCache invalidates a sheet's digests on manual submissions.
func WithCache(c Invalidator) Option { return func(s *Scheduler) { s.cache = c } }

// WithAlerter raises an alert when a job fails for good.
func WithAlerter(a observability.Alerter) Option { return func(s *Scheduler) { s.alerts = a } }

// WithSender notifies operators when a job fails for good.
func WithSender(n notify.Sender) Option { return func(s *Scheduler) { s.sender = n } }

// WithObserver is called after every job attempt.
func WithObserver(fn func(outcome string, d time.Duration)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// WithClock overrides the clock of the scheduler and its queue.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithIDGenerator overrides the job id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(s *Scheduler) { s.newID = g } }

// New returns a Scheduler on db. Call Init before use.
func New(db *sql.DB, st *store.Store, br *breaker.Breaker, exec Executor, cfg Config, opts ...Option) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cfg:     cfg,
		store:   st,
		breaker: br,
		exec:    exec,
		alerts:  observability.NopAlerter{},
		sender:  notify.Nop{},
		observe: func(string, time.Duration) {},
		newID:   idgen.Prefixed("job_", idgen.Default),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.q = vtq.New(db, vtq.Options{
		Queue:        Queue,
		Visibility:   cfg.Visibility,
		PollInterval: cfg.PollInterval,
		Gate:         func() bool { return !s.paused.Load() },
		Now:          s.now,
		Logger:       s.logger,
	})
	return s
}

// Init creates the queue table.
func (s *Scheduler) Init(ctx context.Context) error {
	return s.q.EnsureTable(ctx)
}

// SubmitManual queues a manual-priority job for a sheet and drops its
// cached digests so every period is read again. Periods, when given,
// are reconciled even while locked.
func (s *Scheduler) SubmitManual(ctx context.Context, sheetID, requestedBy, reason string, periods ...string) (*Job, error) {
	sh, err := s.store.GetSheet(ctx, sheetID)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, sheetID); err != nil {
			return nil, err
		}
	}
	job := s.job(sh, PriorityManual, requestedBy, reason, periods)
	if err := s.publish(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("syncqueue: manual job queued", "job", job.ID, "sheet", sheetID, "by", requestedBy, "periods", periods)
	return job, nil
}

// TriggerClosing queues the closing pass requested by the lock sweep.
func (s *Scheduler) TriggerClosing(ctx context.Context, sheetID string, periods []string) error {
	_, err := s.SubmitManual(ctx, sheetID, "lock-sweep", "unlock window closed", periods...)
	return err
}

// SubmitPeriodic queues a periodic job unless the sheet already has one
// waiting or running. queued reports whether a job was added.
func (s *Scheduler) SubmitPeriodic(ctx context.Context, sheetID string) (job *Job, queued bool, err error) {
	sh, err := s.store.GetSheet(ctx, sheetID)
	if err != nil {
		return nil, false, fmt.Errorf("syncqueue: %w", err)
	}
	pending, err := s.Pending(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, p := range pending {
		if p.SheetID == sheetID {
			return p, false, nil
		}
	}
	job = s.job(sh, PriorityPeriodic, "scheduler", "periodic", nil)
	if err := s.publish(ctx, job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// SubmitAllPeriodic queues a periodic job for every active sheet.
func (s *Scheduler) SubmitAllPeriodic(ctx context.Context) (int, error) {
	list, err := s.store.ListSheets(ctx, true)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, sh := range list {
		_, queued, err := s.SubmitPeriodic(ctx, sh.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if queued {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Ticker submits periodic jobs every interval until ctx is done.
func (s *Scheduler) Ticker(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if n, err := s.SubmitAllPeriodic(ctx); err != nil {
			s.logger.Warn("syncqueue: periodic submit", "error", err)
		} else if n > 0 {
			s.logger.Debug("syncqueue: periodic jobs queued", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Scheduler) job(sh *store.Sheet, priority int, by, reason string, periods []string) *Job {
	return &Job{
		ID:            s.newID(),
		SheetID:       sh.ID,
		SpreadsheetID: sh.SpreadsheetID,
		Department:    sh.Department,
		Priority:      priority,
		RequestedBy:   by,
		Reason:        reason,
		Periods:       periods,
		SubmittedAt:   s.now(),
	}
}

func (s *Scheduler) publish(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("syncqueue: encode job: %w", err)
	}
	return s.q.Publish(ctx, job.ID, payload, job.Priority)
}

// Pending returns queued and running jobs in claim order.
func (s *Scheduler) Pending(ctx context.Context) ([]*Job, error) {
	list, err := s.q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(list))
	for _, vj := range list {
		j, err := decode(vj)
		if err != nil {
			s.logger.Warn("syncqueue: undecodable job", "id", vj.ID, "error", err)
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Pause stops the worker from claiming new jobs. A job in flight finishes.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.logger.Info("syncqueue: paused")
}

// Resume lets the worker claim jobs again.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.logger.Info("syncqueue: resumed")
}

// Paused reports whether the queue is paused.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Stats counts jobs per state.
func (s *Scheduler) Stats(ctx context.Context) (vtq.Stats, error) {
	return s.q.Stats(ctx)
}

// Prune drops finished jobs and run records older than retention.
func (s *Scheduler) Prune(ctx context.Context, retention time.Duration) error {
	if _, err := s.q.Prune(ctx, retention); err != nil {
		return err
	}
	_, err := s.store.PruneRuns(ctx, s.now().Add(-retention).UnixMilli())
	return err
}

// Run is the single worker loop. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.q.Run(ctx, s.handle)
}

// Drain handles every visible job now and returns how many ran.
func (s *Scheduler) Drain(ctx context.Context) int {
	return s.q.Drain(ctx, s.handle)
}

func decode(vj *vtq.Job) (*Job, error) {
	var j Job
	if err := json.Unmarshal(vj.Payload, &j); err != nil {
		return nil, err
	}
	j.Attempt = vj.Attempts
	return &j, nil
}

func (s *Scheduler) handle(ctx context.Context, vj *vtq.Job) error {
	job, err := decode(vj)
	if err != nil {
		return fmt.Errorf("syncqueue: decode job %s: %w", vj.ID, err)
	}
	started := s.now()
	bg := context.WithoutCancel(ctx)

	open, err := s.breaker.IsOpen(ctx, job.SheetID)
	if err != nil {
		return vtq.RetryLater(err, s.cfg.RetryBase)
	}
	if open {
		s.logger.Warn("syncqueue: circuit open, job skipped", "job", job.ID, "sheet", job.SheetID)
		s.record(bg, job, started, OutcomeSkipped, &breaker.OpenError{Sheet: job.SheetID}, nil)
		return nil
	}

	summary, err := s.exec(ctx, job)
	if err == nil {
		if berr := s.breaker.RecordSuccess(bg, job.SheetID); berr != nil {
			s.logger.Warn("syncqueue: breaker success", "sheet", job.SheetID, "error", berr)
		}
		s.record(bg, job, started, OutcomeSucceeded, nil, summary)
		return nil
	}

	if _, berr := s.breaker.RecordFailure(bg, job.SheetID, err); berr != nil {
		s.logger.Warn("syncqueue: breaker failure", "sheet", job.SheetID, "error", berr)
	}
	if job.Attempt < s.cfg.MaxAttempts && sheets.IsTransient(err) {
		delay := s.cfg.RetryBase * time.Duration(job.Attempt)
		s.record(bg, job, started, OutcomeRetrying, err, summary)
		return vtq.RetryLater(err, delay)
	}

	s.record(bg, job, started, OutcomeFailed, err, summary)
	s.surface(bg, job, err)
	return err
}

func (s *Scheduler) record(ctx context.Context, job *Job, started time.Time, outcome string, cause error, summary any) {
	finished := s.now()
	run := &store.SyncRun{
		JobID:      job.ID,
		Attempt:    job.Attempt,
		SheetID:    job.SheetID,
		Priority:   job.PriorityName(),
		Status:     outcome,
		StartedAt:  started.UnixMilli(),
		FinishedAt: finished.UnixMilli(),
	}
	if cause != nil {
		run.Error = cause.Error()
	}
	if summary != nil {
		if b, err := json.Marshal(summary); err == nil {
			run.Summary = string(b)
		}
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		s.logger.Error("syncqueue: record run", "job", job.ID, "error", err)
	}
	s.observe(outcome, finished.Sub(started))
}

func (s *Scheduler) surface(ctx context.Context, job *Job, err error) {
	s.logger.Error("syncqueue: job failed", "job", job.ID, "sheet", job.SheetID,
		"attempts", job.Attempt, "error", err)
	s.alerts.Raise(ctx, observability.Alert{
		Type:        observability.AlertJobFailed,
		Severity:    observability.SeverityWarning,
		Component:   job.SheetID,
		Title:       "sync job failed for sheet " + job.SheetID,
		Description: err.Error(),
	})
	s.sender.Send(ctx, notify.Message{
		Kind:    notify.KindJobFailed,
		Subject: fmt.Sprintf("Sync of %s failed after %d attempts", job.SheetID, job.Attempt),
		Body:    err.Error(),
		Fields:  map[string]any{"job_id": job.ID, "sheet_id": job.SheetID, "department": job.Department},
		Time:    s.now(),
	})
}
