// Package ledgersync is the spreadsheet to ledger import service.
//
// A Service wires the pipeline together: a single sync worker drains a
// priority queue of reconciliation jobs, each job reads a department sheet
// through the quota-governed provider, stages new and changed rows, screens
// them for anomalies and writes markers back. Operators approve or reject
// staged rows, lock past periods and grant time-boxed unlocks, through the
// HTTP API, the MCP tools or the CLI.
package ledgersync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/sheetledger/audit"
	"github.com/hazyhaar/sheetledger/breaker"
	"github.com/hazyhaar/sheetledger/changecache"
	"github.com/hazyhaar/sheetledger/kit"
	"github.com/hazyhaar/sheetledger/kvstore"
	"github.com/hazyhaar/sheetledger/ledger"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/anomaly"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/approval"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/lock"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/reconcile"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/syncqueue"
	"github.com/hazyhaar/sheetledger/notify"
	"github.com/hazyhaar/sheetledger/observability"
	"github.com/hazyhaar/sheetledger/quota"
	"github.com/hazyhaar/sheetledger/sheets"
	"github.com/hazyhaar/sheetledger/shield"
	"github.com/hazyhaar/sheetledger/vtq"
)

// WorkerName identifies the sync worker in worker_heartbeats.
const WorkerName = "sync-worker"

// Migrate creates every table the service uses. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, ddl := range []string{store.Schema, kvstore.Schema, observability.Schema, audit.Schema, ledger.SQLiteSchema} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ledgersync: migrate: %w", err)
		}
	}
	if err := vtq.New(db, vtq.Options{Queue: syncqueue.Queue}).EnsureTable(ctx); err != nil {
		return fmt.Errorf("ledgersync: migrate queue: %w", err)
	}
	return nil
}

// Service is the sheetledger orchestrator.
type Service struct {
	cfg    *Config
	db     *sql.DB
	store  *store.Store
	kv     *kvstore.Store
	ledger ledger.Writer

	quota      *quota.Governor
	provider   sheets.Provider
	breaker    *breaker.Breaker
	cache      *changecache.Cache
	anomalies  *anomaly.Engine
	reconciler *reconcile.Engine
	approvals  *approval.Workflow
	locks      *lock.Manager
	scheduler  *syncqueue.Scheduler

	alerts     *observability.Alerts
	alerter    observability.Alerter
	audit      *audit.SQLiteLogger
	heartbeat  *observability.HeartbeatWriter
	dispatcher *notify.Dispatcher
	metrics    *Metrics
	lockout    *shield.Lockout
	endpoints  endpoints

	extra  []notify.Notifier
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service during creation.
type Option func(*Service)

// WithLogger sets the logger of the service and every component.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the clock of every component.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithNotifier adds a delivery target next to the log and the webhooks.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.extra = append(s.extra, n) }
}

// New wires a Service over db, which must be migrated. provider is the raw
// spreadsheet client; the service puts it behind the quota governor.
func New(cfg *Config, db *sql.DB, provider sheets.Provider, lw ledger.Writer, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ledgersync: config: %w", err)
	}
	rules, err := cfg.AnomalyRules()
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:    cfg,
		db:     db,
		ledger: lw,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(svc)
	}
	logger := svc.logger

	// Notifications: log always, webhooks when configured.
	targets := notify.Multi{notify.Log{Logger: logger}}
	for _, wh := range cfg.Notify.Webhooks {
		var wopts []notify.WebhookOption
		if cfg.Notify.AllowPrivate {
			wopts = append(wopts, notify.WithPrivateTargets())
		}
		w, err := notify.NewWebhook(wh.URL, wh.Secret, wopts...)
		if err != nil {
			return nil, fmt.Errorf("ledgersync: webhook %s: %w", wh.Name, err)
		}
		targets = append(targets, w)
	}
	targets = append(targets, svc.extra...)
	svc.dispatcher = notify.NewDispatcher(targets,
		notify.WithBuffer(cfg.Notify.Buffer), notify.WithLogger(logger))

	svc.alerts = observability.NewAlerts(db,
		observability.WithAlertClock(svc.now), observability.WithAlertLogger(logger))
	svc.alerter = notify.AlertForwarder{Next: svc.alerts, Sender: svc.dispatcher}
	svc.audit = audit.NewSQLiteLogger(db, audit.WithClock(svc.now), audit.WithLogger(logger))
	svc.heartbeat = observability.NewHeartbeatWriter(db, WorkerName, 0)
	svc.metrics = newMetrics()

	svc.store = store.NewStore(db).WithClock(svc.now)
	svc.kv = kvstore.New(db, kvstore.WithClock(svc.now))
	svc.lockout = shield.NewLockout(svc.kv, cfg.HTTP.MaxAuthFailures, cfg.HTTP.AuthFailureWindow, logger)
	svc.quota = quota.New(svc.kv, quota.Config{
		Limit:       cfg.Quota.Limit,
		Window:      cfg.Quota.Window,
		BaseBackoff: cfg.Quota.BaseBackoff,
		MaxRetries:  cfg.Quota.MaxRetries,
	}, quota.WithAlerter(svc.alerter), quota.WithLogger(logger))
	svc.provider = sheets.NewGuarded(provider, svc.quota)
	svc.breaker = breaker.New(svc.kv,
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithCooldown(cfg.Breaker.Cooldown),
		breaker.WithAlerter(svc.alerter),
		breaker.WithLogger(logger))
	// Operator-driven writes also go through the circuit of their sheet.
	isolated := sheets.NewIsolated(svc.provider, svc.breaker)
	svc.cache = changecache.New(svc.kv, cfg.Cache.TTL)

	svc.anomalies = anomaly.New(svc.store, rules,
		anomaly.WithSender(svc.dispatcher), anomaly.WithClock(svc.now), anomaly.WithLogger(logger))

	// The scheduler runs reconciliation, the lock manager triggers the
	// scheduler and the reconciler asks the lock manager: build the
	// scheduler first, its executor reads svc.reconciler at run time.
	svc.scheduler = syncqueue.New(db, svc.store, svc.breaker, svc.execute, syncqueue.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		RetryBase:   cfg.Sync.RetryBase,
		Visibility:  cfg.Sync.Visibility,
	},
		syncqueue.WithCache(svc.cache),
		syncqueue.WithAlerter(svc.alerter),
		syncqueue.WithSender(svc.dispatcher),
		syncqueue.WithObserver(svc.metrics.observeJob),
		syncqueue.WithClock(svc.now),
		syncqueue.WithLogger(logger))
	svc.locks = lock.New(svc.store, isolated, svc.scheduler,
		lock.WithWindow(cfg.Lock.Window),
		lock.WithSender(svc.dispatcher),
		lock.WithAudit(svc.audit),
		lock.WithClock(svc.now),
		lock.WithLogger(logger))
	svc.reconciler = reconcile.New(reconcile.Config{
		Periods:           cfg.Reconcile.Periods,
		VelocityThreshold: cfg.Reconcile.VelocityThreshold,
		DayFirst:          cfg.Reconcile.DayFirst,
	}, svc.store, svc.provider, svc.cache, svc.anomalies,
		reconcile.WithLockGate(svc.locks),
		reconcile.WithClock(svc.now),
		reconcile.WithLogger(logger))
	svc.approvals = approval.New(svc.store, lw, isolated, svc.anomalies, svc.cache,
		approval.WithAudit(svc.audit), approval.WithLogger(logger))

	svc.metrics.registerGauges(svc)
	svc.endpoints = svc.makeEndpoints()
	return svc, nil
}

// execute is the scheduler's executor: one reconciliation pass.
func (svc *Service) execute(ctx context.Context, job *syncqueue.Job) (any, error) {
	defer svc.heartbeat.Handled()
	sh, err := svc.store.GetSheet(ctx, job.SheetID)
	if err != nil {
		return nil, err
	}
	if !sh.Active {
		svc.logger.Info("ledgersync: sheet inactive, job ignored", "job", job.ID, "sheet", sh.ID)
		return map[string]string{"skipped": "inactive"}, nil
	}
	res, err := svc.reconciler.Run(ctx, reconcile.Request{Sheet: sh, Periods: job.Periods})
	svc.metrics.observeResult(res)
	return res, err
}

// Start launches the worker, the periodic trigger, the lock sweep, the
// digest timer and housekeeping. Non-blocking; everything stops with ctx.
func (svc *Service) Start(ctx context.Context) {
	go svc.scheduler.Run(ctx)
	go svc.scheduler.Ticker(ctx, svc.cfg.Sync.Interval)
	go svc.locks.SweepTicker(ctx, svc.cfg.Lock.SweepInterval)
	go svc.anomalies.RunDigest(ctx)
	go svc.heartbeat.Run(ctx)
	go svc.kv.RunGC(ctx, time.Minute)
	go svc.housekeeping(ctx, time.Hour)
	svc.logger.Info("ledgersync: started",
		"sync_interval", svc.cfg.Sync.Interval, "sweep_interval", svc.cfg.Lock.SweepInterval)
}

func (svc *Service) housekeeping(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := svc.scheduler.Prune(ctx, svc.cfg.Sync.Retention); err != nil {
			svc.logger.Warn("ledgersync: prune jobs", "error", err)
		}
		if n, err := svc.alerts.Cleanup(ctx, svc.cfg.Sync.Retention); err != nil {
			svc.logger.Warn("ledgersync: cleanup alerts", "error", err)
		} else if n > 0 {
			svc.logger.Debug("ledgersync: resolved alerts removed", "count", n)
		}
	}
}

// Close flushes pending notifications and audit entries.
func (svc *Service) Close() error {
	svc.dispatcher.Close()
	err := svc.audit.Close()
	svc.logger.Info("ledgersync: closed")
	return err
}

// Metrics returns the Prometheus collectors.
func (svc *Service) Metrics() *Metrics { return svc.metrics }

// actor returns the operator bound to ctx.
func actor(ctx context.Context) (string, error) {
	a := kit.GetActor(ctx)
	if a == "" {
		return "", ErrUnauthenticated
	}
	return a, nil
}
