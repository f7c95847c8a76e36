// Package reconcile matches spreadsheet rows against staged transactions.
//
// For each period of a sheet the engine reads the tab, skips it when the
// change-detection digest is unchanged, then walks the rows: new rows get a
// stable identifier and a PENDING record, known rows are compared by content
// digest, and every in-sheet marker for the period is sent in one batch
// write. The digest committed afterwards is the digest of the tab as it
// looks once the batch is applied, so an untouched tab is skipped next time.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/sheetledger/changecache"
	"github.com/hazyhaar/sheetledger/idgen"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/anomaly"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/period"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/rowparse"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/sheets"
)

// Skip reasons of a period.
const (
	SkipUnchanged = "unchanged"
	SkipLocked    = "locked"
	SkipNoTab     = "no_tab"
)

// NoteReceiptRequired is written into the note column of rows that need a
// receipt reference.
const NoteReceiptRequired = "RECEIPT REQUIRED"

// LockGate reports whether a period may be reconciled.
type LockGate interface {
	IsEditable(ctx context.Context, sheetID, period string) (bool, error)
}

// Config tunes the engine.
type Config struct {
	// Periods is how many recent periods a pass covers. Default 2.
	Periods int
	// VelocityThreshold flags every row of a pass that creates or changes
	// more rows than this. Default 50.
	VelocityThreshold int
	// DayFirst reads slash dates as day/month/year.
	DayFirst bool
}

func (c *Config) defaults() {
	if c.Periods <= 0 {
		c.Periods = 2
	}
	if c.VelocityThreshold <= 0 {
		c.VelocityThreshold = 50
	}
}

// Engine reconciles sheets.
type Engine struct {
	cfg       Config
	store     *store.Store
	provider  sheets.Provider
	cache     *changecache.Cache
	anomalies *anomaly.Engine
	locks     LockGate
	parser    *rowparse.Parser
	newStable idgen.Generator
	newID     idgen.Generator
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockGate makes locked periods read-only for regular passes.
func WithLockGate(g LockGate) Option { return func(e *Engine) { e.locks = g } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithStableIDs overrides the stable identifier generator.
func WithStableIDs(g idgen.Generator) Option { return func(e *Engine) { e.newStable = g } }

// New returns an Engine. provider should already be quota-guarded.
func New(cfg Config, st *store.Store, provider sheets.Provider, cache *changecache.Cache, an *anomaly.Engine, opts ...Option) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:       cfg,
		store:     st,
		provider:  provider,
		cache:     cache,
		anomalies: an,
		parser:    rowparse.New(rowparse.Options{DayFirst: cfg.DayFirst}),
		newStable: idgen.StableID(),
		newID:     idgen.Prefixed("stx_", idgen.Default),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Request is one reconciliation pass over a sheet.
type Request struct {
	Sheet *store.Sheet
	// Periods overrides the recent periods. Explicitly requested periods
	// are reconciled even while locked; this is how the closing pass after
	// an unlock window captures the edits made during it.
	Periods []string
}

// PeriodResult counts what happened to one period.
type PeriodResult struct {
	Period    string `json:"period"`
	Skipped   string `json:"skipped,omitempty"`
	Rows      int    `json:"rows"`
	Created   int    `json:"created"`
	Orphans   int    `json:"orphans"`
	Adopted   int    `json:"adopted"`
	Updated   int    `json:"updated"`
	Reopened  int    `json:"reopened"`
	Conflicts int    `json:"conflicts"`
	Invalid   int    `json:"invalid"`
	Unchanged int    `json:"unchanged"`
	Writes    int    `json:"writes"`
	Velocity  bool   `json:"velocity,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a pass.
type Result struct {
	SheetID string         `json:"sheet_id"`
	Periods []PeriodResult `json:"periods"`
}

// Run reconciles every period of the request. A failing period does not
// stop the others; the returned error joins the period errors.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Sheet == nil {
		return nil, errors.New("reconcile: nil sheet")
	}
	explicit := len(req.Periods) > 0
	periods := req.Periods
	if !explicit {
		periods = period.Recent(e.now(), e.cfg.Periods)
	}

	res := &Result{SheetID: req.Sheet.ID}
	var errs []error
	for _, p := range periods {
		pr, err := e.runPeriod(ctx, req.Sheet, p, explicit)
		if err != nil {
			pr.Error = err.Error()
			errs = append(errs, fmt.Errorf("reconcile: %s/%s: %w", req.Sheet.ID, p, err))
			e.logger.Warn("reconcile: period failed", "sheet", req.Sheet.ID, "period", p, "error", err)
		}
		res.Periods = append(res.Periods, pr)
	}
	return res, errors.Join(errs...)
}

func (e *Engine) runPeriod(ctx context.Context, sh *store.Sheet, p string, explicit bool) (PeriodResult, error) {
	pr := PeriodResult{Period: p}
	if !explicit && e.locks != nil {
		ok, err := e.locks.IsEditable(ctx, sh.ID, p)
		if err != nil {
			return pr, err
		}
		if !ok {
			pr.Skipped = SkipLocked
			return pr, nil
		}
	}

	tab := period.Tab(p)
	rows, err := e.provider.ReadRows(ctx, sh.SpreadsheetID, tab)
	if errors.Is(err, sheets.ErrTabNotFound) {
		pr.Skipped = SkipNoTab
		return pr, nil
	}
	if err != nil {
		return pr, err
	}
	pr.Rows = len(rows)

	changed, err := e.cache.HasChanged(ctx, sh.ID, p, changecache.Digest(rows))
	if err != nil {
		return pr, err
	}
	if !changed {
		pr.Skipped = SkipUnchanged
		return pr, nil
	}

	pass := &pass{e: e, sheet: sh, period: p, tab: tab, res: &pr, seen: map[string]bool{}, present: map[string]bool{}}
	for _, row := range rows {
		if len(row) > sheets.IdxStableID && idgen.IsStableID(row[sheets.IdxStableID]) {
			pass.present[strings.ToUpper(strings.TrimSpace(row[sheets.IdxStableID]))] = true
		}
	}
	for i, row := range rows {
		if err := pass.row(ctx, i+sheets.FirstDataRow, row); err != nil {
			return pr, err
		}
	}

	if len(pass.updates) > 0 {
		if err := e.provider.BatchWrite(ctx, sh.SpreadsheetID, pass.updates); err != nil {
			return pr, err
		}
		pr.Writes = len(pass.updates)
	}

	if len(pass.touched) > e.cfg.VelocityThreshold {
		pr.Velocity = true
		if _, err := e.anomalies.FlagVelocity(ctx, pass.touched); err != nil {
			return pr, err
		}
	}

	if err := e.cache.Commit(ctx, sh.ID, p, changecache.Digest(applyUpdates(rows, pass.updates))); err != nil {
		return pr, err
	}
	e.logger.Info("reconcile: period done", "sheet", sh.ID, "period", p,
		"created", pr.Created, "updated", pr.Updated, "conflicts", pr.Conflicts,
		"invalid", pr.Invalid, "writes", pr.Writes)
	return pr, nil
}

// applyUpdates returns a copy of rows with updates applied, mirroring what
// the provider holds after the batch write.
func applyUpdates(rows [][]string, updates []sheets.CellUpdate) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), sheets.Pad(append([]string(nil), r...))...)
	}
	for _, u := range updates {
		i := u.Row - sheets.FirstDataRow
		col := colIndex(u.Col)
		if i < 0 || i >= len(out) || col < 0 {
			continue
		}
		out[i][col] = u.Value
	}
	return out
}

func colIndex(col string) int {
	if len(col) != 1 || col[0] < 'A' || int(col[0]-'A') >= sheets.NumCols {
		return -1
	}
	return int(col[0] - 'A')
}
