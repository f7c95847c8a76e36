package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/sheetledger/idgen"
)

// Alert types raised by the pipeline.
const (
	AlertQuotaExhausted = "quota_exhausted"
	AlertJobFailed      = "sync_job_failed"
	AlertCircuitOpen    = "circuit_open"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one row of system_alerts.
type Alert struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Severity    string     `json:"severity"`
	Component   string     `json:"component,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DetectedAt  time.Time  `json:"detected_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Occurrences int        `json:"occurrences"`
}

// Alerter raises health alerts. Implementations must not block the caller
// on storage failures.
type Alerter interface {
	Raise(ctx context.Context, a Alert)
}

// Alerts stores alerts in system_alerts. An alert of the same type and
// component that is still open is bumped instead of duplicated.
type Alerts struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// AlertsOption configures Alerts.
type AlertsOption func(*Alerts)

// WithAlertClock overrides the clock.
func WithAlertClock(now func() time.Time) AlertsOption {
	return func(a *Alerts) { a.now = now }
}

// WithAlertLogger sets the slog logger.
func WithAlertLogger(l *slog.Logger) AlertsOption {
	return func(a *Alerts) { a.logger = l }
}

// NewAlerts returns an alert store over db. Call Init(db) first.
func NewAlerts(db *sql.DB, opts ...AlertsOption) *Alerts {
	a := &Alerts{
		db:     db,
		newID:  idgen.Prefixed("alert_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Raise records an alert. Errors are logged, never returned.
func (a *Alerts) Raise(ctx context.Context, al Alert) {
	if al.Severity == "" {
		al.Severity = SeverityWarning
	}
	a.logger.Warn("alert raised", "type", al.Type, "component", al.Component, "title", al.Title)

	res, err := a.db.ExecContext(ctx, `
		UPDATE system_alerts SET occurrences = occurrences + 1, description = ?
		WHERE alert_type = ? AND component_id = ? AND resolved_at IS NULL`,
		al.Description, al.Type, al.Component)
	if err != nil {
		a.logger.Error("observability: bump alert", "error", err, "type", al.Type)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO system_alerts (alert_id, alert_type, severity, component_id, detected_at, title, description)
		VALUES (?,?,?,?,?,?,?)`,
		a.newID(), al.Type, al.Severity, al.Component, a.now().Unix(), al.Title, al.Description)
	if err != nil {
		a.logger.Error("observability: insert alert", "error", err, "type", al.Type)
	}
}

// Resolve closes open alerts of the given type and component.
func (a *Alerts) Resolve(ctx context.Context, alertType, component string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE system_alerts SET resolved_at = ?
		WHERE alert_type = ? AND component_id = ? AND resolved_at IS NULL`,
		a.now().Unix(), alertType, component)
	if err != nil {
		return fmt.Errorf("observability: resolve alert: %w", err)
	}
	return nil
}

// Open lists unresolved alerts, newest first.
func (a *Alerts) Open(ctx context.Context) ([]Alert, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT alert_id, alert_type, severity, component_id, detected_at, title, description, occurrences
		FROM system_alerts WHERE resolved_at IS NULL
		ORDER BY detected_at DESC, alert_id`)
	if err != nil {
		return nil, fmt.Errorf("observability: open alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var al Alert
		var ts int64
		if err := rows.Scan(&al.ID, &al.Type, &al.Severity, &al.Component, &ts, &al.Title, &al.Description, &al.Occurrences); err != nil {
			return nil, fmt.Errorf("observability: scan alert: %w", err)
		}
		al.DetectedAt = time.Unix(ts, 0)
		out = append(out, al)
	}
	return out, rows.Err()
}

// Cleanup deletes resolved alerts older than retention.
func (a *Alerts) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM system_alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?`,
		a.now().Add(-retention).Unix())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup alerts: %w", err)
	}
	return res.RowsAffected()
}

// NopAlerter discards alerts.
type NopAlerter struct{}

func (NopAlerter) Raise(context.Context, Alert) {}
