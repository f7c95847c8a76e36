package ledgersync

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/sheetledger/breaker"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/reconcile"
)

const namespace = "sheetledger"

// Metrics holds the Prometheus collectors of a Service on a private
// registry, so several services (tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	rows        *prometheus.CounterVec
	periods     *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	sql         *prometheus.HistogramVec
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_total",
			Help:      "Sync job attempts by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_job_duration_seconds",
			Help:      "Duration of sync job attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"outcome"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_rows_total",
			Help:      "Spreadsheet rows handled by reconciliation, by result.",
		}, []string{"result"}),
		periods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_periods_total",
			Help:      "Periods visited by reconciliation, by result.",
		}, []string{"result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Approval workflow decisions.",
		}, []string{"decision"}),
		sql: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sql_duration_seconds",
			Help:      "Duration of traced SQL statements.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op", "outcome"}),
	}
	m.registry.MustRegister(m.jobs, m.jobDuration, m.rows, m.periods, m.decisions, m.sql,
		collectors.NewGoCollector())
	return m
}

// registerGauges exposes live state read at scrape time.
func (m *Metrics) registerGauges(svc *Service) {
	scrape := func(fn func(ctx context.Context) float64) func() float64 {
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return fn(ctx)
		}
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_used_calls",
			Help:      "Provider calls used in the current quota window.",
		}, scrape(func(ctx context.Context) float64 {
			u, err := svc.quota.Usage(ctx)
			if err != nil {
				return 0
			}
			return float64(u.Used)
		})),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_waiting",
			Help:      "Sync jobs waiting to run.",
		}, scrape(func(ctx context.Context) float64 {
			st, err := svc.scheduler.Stats(ctx)
			if err != nil {
				return 0
			}
			return float64(st.Waiting)
		})),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuits_open",
			Help:      "Sheets whose circuit is open.",
		}, scrape(func(ctx context.Context) float64 {
			list, err := svc.breaker.List(ctx)
			if err != nil {
				return 0
			}
			n := 0
			for _, r := range list {
				if r.State == breaker.Open {
					n++
				}
			}
			return float64(n)
		})),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifications_dropped",
			Help:      "Notifications dropped because the buffer was full.",
		}, func() float64 { return float64(svc.dispatcher.Dropped()) }),
	)
}

func (m *Metrics) observeJob(outcome string, d time.Duration) {
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) observeResult(res *reconcile.Result) {
	if res == nil {
		return
	}
	for _, p := range res.Periods {
		switch {
		case p.Error != "":
			m.periods.WithLabelValues("error").Inc()
		case p.Skipped != "":
			m.periods.WithLabelValues(p.Skipped).Inc()
		default:
			m.periods.WithLabelValues("reconciled").Inc()
		}
		m.rows.WithLabelValues("created").Add(float64(p.Created))
		m.rows.WithLabelValues("adopted").Add(float64(p.Adopted))
		m.rows.WithLabelValues("updated").Add(float64(p.Updated))
		m.rows.WithLabelValues("reopened").Add(float64(p.Reopened))
		m.rows.WithLabelValues("conflict").Add(float64(p.Conflicts))
		m.rows.WithLabelValues("invalid").Add(float64(p.Invalid))
		m.rows.WithLabelValues("orphan").Add(float64(p.Orphans))
		m.rows.WithLabelValues("unchanged").Add(float64(p.Unchanged))
	}
}

func (m *Metrics) observeDecision(decision string, ok bool) {
	if !ok {
		decision = "failed"
	}
	m.decisions.WithLabelValues(decision).Inc()
}

// Handler serves the registry in the Prometheus text format.
// ObserveSQL records a statement timed by the trace driver.
func (m *Metrics) ObserveSQL(op string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sql.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
