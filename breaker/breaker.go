// Package breaker isolates failing spreadsheets. Each sheet has a
// consecutive-failure counter stored in kvstore under "circuit:<sheet>".
// Reaching the threshold opens the circuit; an open circuit closes on the
// next success, on manual Reset, or by itself once the cool-down elapses.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/sheetledger/kvstore"
	"github.com/hazyhaar/sheetledger/observability"
)

const keyPrefix = "circuit:"

// State of a circuit.
type State string

const (
	Closed State = "CLOSED"
	Open   State = "OPEN"
)

// Record is the persisted state of one sheet's circuit.
type Record struct {
	Sheet               string     `json:"sheet"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	State               State      `json:"state"`
	TrippedAt           *time.Time `json:"tripped_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// OpenError is returned when work is refused because the sheet's circuit
// is open.
type OpenError struct {
	Sheet string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open: %s", e.Sheet)
}

// Breaker manages per-sheet circuits. It performs read-then-write updates
// without transactions: callers must serialize updates for a given sheet
// (the sync worker does).
type Breaker struct {
	kv        *kvstore.Store
	threshold int
	cooldown  time.Duration
	retention time.Duration
	alerts    observability.Alerter
	logger    *slog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive failures that open a circuit. Default 5.
func WithThreshold(n int) Option { return func(b *Breaker) { b.threshold = n } }

// WithCooldown sets how long a circuit stays open. Default 30m.
func WithCooldown(d time.Duration) Option { return func(b *Breaker) { b.cooldown = d } }

// WithAlerter raises an alert when a circuit opens.
func WithAlerter(a observability.Alerter) Option { return func(b *Breaker) { b.alerts = a } }

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option { return func(b *Breaker) { b.logger = l } }

// New creates a Breaker over kv.
func New(kv *kvstore.Store, opts ...Option) *Breaker {
	b := &Breaker{
		kv:        kv,
		threshold: 5,
		cooldown:  30 * time.Minute,
		retention: 24 * time.Hour,
		alerts:    observability.NopAlerter{},
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Threshold returns the configured failure threshold.
func (b *Breaker) Threshold() int { return b.threshold }

func key(sheet string) string { return keyPrefix + sheet }

// Get returns the current record. A sheet without a live record is Closed
// with zero failures.
func (b *Breaker) Get(ctx context.Context, sheet string) (Record, error) {
	raw, ok, err := b.kv.Get(ctx, key(sheet))
	if err != nil {
		return Record{}, fmt.Errorf("breaker: get %s: %w", sheet, err)
	}
	if !ok {
		return Record{Sheet: sheet, State: Closed}, nil
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, fmt.Errorf("breaker: decode %s: %w", sheet, err)
	}
	return r, nil
}

func (b *Breaker) put(ctx context.Context, r Record, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.kv.Set(ctx, key(r.Sheet), string(data), ttl)
}

// RecordFailure counts a failure for sheet. tripped is true only for the
// call that moves the circuit from Closed to Open.
func (b *Breaker) RecordFailure(ctx context.Context, sheet string, cause error) (tripped bool, err error) {
	r, err := b.Get(ctx, sheet)
	if err != nil {
		return false, err
	}
	r.ConsecutiveFailures++
	if cause != nil {
		r.LastError = cause.Error()
	}

	ttl := b.retention
	if r.State != Open && r.ConsecutiveFailures >= b.threshold {
		now := b.kv.Now()
		r.State = Open
		r.TrippedAt = &now
		tripped = true
	}
	if r.State == Open {
		// The open record expires exactly at the end of the cool-down,
		// counted from the trip.
		ttl = r.TrippedAt.Add(b.cooldown).Sub(b.kv.Now())
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	if err := b.put(ctx, r, ttl); err != nil {
		return false, fmt.Errorf("breaker: record failure %s: %w", sheet, err)
	}

	if tripped {
		b.logger.Warn("breaker: circuit opened", "sheet", sheet, "failures", r.ConsecutiveFailures, "error", r.LastError)
		b.alerts.Raise(ctx, observability.Alert{
			Type:        observability.AlertCircuitOpen,
			Severity:    observability.SeverityCritical,
			Component:   sheet,
			Title:       "circuit opened for sheet " + sheet,
			Description: r.LastError,
		})
	}
	return tripped, nil
}

// RecordSuccess clears the failure counter and closes the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context, sheet string) error {
	if err := b.kv.Delete(ctx, key(sheet)); err != nil {
		return fmt.Errorf("breaker: record success %s: %w", sheet, err)
	}
	return nil
}

// IsOpen reports whether work against sheet must be refused.
func (b *Breaker) IsOpen(ctx context.Context, sheet string) (bool, error) {
	r, err := b.Get(ctx, sheet)
	if err != nil {
		return false, err
	}
	if r.State != Open {
		return false, nil
	}
	// The kv expiry normally removes the record; this guards clock skew
	// between writers.
	if r.TrippedAt != nil && !b.kv.Now().Before(r.TrippedAt.Add(b.cooldown)) {
		return false, nil
	}
	return true, nil
}

// Reset manually closes the circuit of sheet.
func (b *Breaker) Reset(ctx context.Context, sheet string) error {
	if err := b.kv.Delete(ctx, key(sheet)); err != nil {
		return fmt.Errorf("breaker: reset %s: %w", sheet, err)
	}
	b.logger.Info("breaker: circuit reset", "sheet", sheet)
	return nil
}

// List returns every sheet with a live record (failing or open).
func (b *Breaker) List(ctx context.Context) ([]Record, error) {
	entries, err := b.kv.Scan(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("breaker: list: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		var r Record
		if err := json.Unmarshal([]byte(e.Value), &r); err != nil {
			b.logger.Warn("breaker: skipping undecodable record", "key", e.Key, "error", err)
			continue
		}
		if r.Sheet == "" {
			r.Sheet = strings.TrimPrefix(e.Key, keyPrefix)
		}
		out = append(out, r)
	}
	return out, nil
}
