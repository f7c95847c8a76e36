// Package approval moves staged transactions out of PENDING.
//
// Approving promotes the row into the ledger (idempotent per stable
// identifier), freezes it, feeds the categorisation hints, then writes the
// APPROVED marker and protects the row. Rejecting records a reason and
// writes the REJECTED marker. Spreadsheet feedback happens after the
// decision is committed: a failed write is logged and the sheet's digest
// is invalidated so the next reconciliation repairs the marker.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/sheetledger/audit"
	"github.com/hazyhaar/sheetledger/kit"
	"github.com/hazyhaar/sheetledger/ledger"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/anomaly"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/period"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/rowparse"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/sheets"
)

// Audit actions.
const (
	ActionApprove = "approval.approve"
	ActionReject  = "approval.reject"
)

var (
	// ErrConflict is matched by every ConflictError.
	ErrConflict = errors.New("approval: transaction already resolved")
	// ErrReasonRequired is returned by Reject without a reason.
	ErrReasonRequired = errors.New("approval: rejection reason required")
)

// ConflictError is returned when acting on a row that is no longer PENDING.
type ConflictError struct {
	ID     string
	Status store.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("approval: transaction %s is %s", e.ID, e.Status)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Decision carries the approver's choices.
type Decision struct {
	CorrectedCategory string `json:"corrected_category,omitempty"`
	FundID            string `json:"fund_id"`
	AccountID         string `json:"account_id,omitempty"`
}

// ItemResult is the outcome of one id in a bulk approval.
type ItemResult struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Posting *ledger.Posting `json:"posting,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Invalidator forgets the change-detection digests of a sheet.
type Invalidator interface {
	Invalidate(ctx context.Context, sheetID string) error
}

// Workflow is the approval state machine.
type Workflow struct {
	store     *store.Store
	ledger    ledger.Writer
	provider  sheets.Provider
	anomalies *anomaly.Engine
	cache     Invalidator
	audit     audit.Logger
	logger    *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithAudit journals every decision.
func WithAudit(l audit.Logger) Option { return func(w *Workflow) { w.audit = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

// New returns a Workflow. provider should be quota-guarded and isolated
// per sheet.
func New(st *store.Store, lw ledger.Writer, provider sheets.Provider, an *anomaly.Engine, cache Invalidator, opts ...Option) *Workflow {
	w := &Workflow{
		store:     st,
		ledger:    lw,
		provider:  provider,
		anomalies: an,
		cache:     cache,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Approve promotes a PENDING transaction into the ledger.
func (w *Workflow) Approve(ctx context.Context, id string, d Decision) (*ledger.Posting, error) {
	p, err := w.approve(ctx, id, d)
	w.journal(ctx, ActionApprove, id, d, err)
	return p, err
}

func (w *Workflow) approve(ctx context.Context, id string, d Decision) (*ledger.Posting, error) {
	tx, err := w.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	category := tx.Category
	if c := rowparse.Sanitize(d.CorrectedCategory); c != "" {
		category = c
	}

	// Claim the row before posting so a concurrent decision either loses
	// here or sees APPROVED.
	err = w.store.Transition(ctx, id, store.StatusApproved, store.Decision{
		Category: category,
		FundID:   d.FundID,
		Actor:    kit.GetActor(ctx),
	})
	if errors.Is(err, store.ErrStale) {
		return nil, w.conflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("approval: approve %s: %w", id, err)
	}

	posting, created, err := w.ledger.Promote(ctx, ledger.Entry{
		StableID:    tx.StableID,
		Amount:      tx.Amount,
		Date:        tx.Date,
		Description: tx.Description,
		Category:    category,
		Department:  tx.Department,
		FundID:      d.FundID,
		AccountID:   d.AccountID,
	})
	if err != nil {
		if rerr := w.store.Release(context.WithoutCancel(ctx), id, tx.Category); rerr != nil {
			w.logger.Error("approval: release claim", "id", id, "error", rerr)
			return nil, errors.Join(fmt.Errorf("approval: promote %s: %w", tx.StableID, err), rerr)
		}
		return nil, fmt.Errorf("approval: promote %s: %w", tx.StableID, err)
	}
	if !created {
		w.logger.Info("approval: posting already existed", "stable_id", tx.StableID, "posting", posting.ID)
	}
	if err := w.store.AttachPosting(ctx, id, posting.ID); err != nil {
		return nil, fmt.Errorf("approval: attach posting %s: %w", id, err)
	}

	tx.Category = category
	if err := w.anomalies.Learn(ctx, tx); err != nil {
		w.logger.Warn("approval: learning hook failed", "id", id, "error", err)
	}
	w.feedback(ctx, tx, sheets.MarkerApproved, true)
	return &posting, nil
}

// Reject marks a PENDING transaction REJECTED. It has no ledger effect.
func (w *Workflow) Reject(ctx context.Context, id, reason string) error {
	err := w.reject(ctx, id, reason)
	w.journal(ctx, ActionReject, id, map[string]string{"reason": reason}, err)
	return err
}

func (w *Workflow) reject(ctx context.Context, id, reason string) error {
	reason = rowparse.Sanitize(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	tx, err := w.pending(ctx, id)
	if err != nil {
		return err
	}
	err = w.store.Transition(ctx, id, store.StatusRejected, store.Decision{
		RejectReason: reason,
		Actor:        kit.GetActor(ctx),
	})
	if errors.Is(err, store.ErrStale) {
		return w.conflict(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("approval: reject %s: %w", id, err)
	}
	w.feedback(ctx, tx, sheets.MarkerRejected, false)
	return nil
}

// BulkApprove approves each id independently with the same decision.
func (w *Workflow) BulkApprove(ctx context.Context, ids []string, d Decision) []ItemResult {
	out := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			out = append(out, ItemResult{ID: id, Error: err.Error()})
			continue
		}
		p, err := w.Approve(ctx, id, d)
		if err != nil {
			out = append(out, ItemResult{ID: id, Error: err.Error()})
			continue
		}
		out = append(out, ItemResult{ID: id, OK: true, Posting: p})
	}
	return out
}

// ListPending returns PENDING transactions, optionally for one department.
func (w *Workflow) ListPending(ctx context.Context, department string) ([]*store.Transaction, error) {
	return w.store.ListTransactions(ctx, store.TxFilter{
		Status:     store.StatusPending,
		Department: strings.TrimSpace(department),
	})
}

func (w *Workflow) pending(ctx context.Context, id string) (*store.Transaction, error) {
	tx, err := w.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("approval: %w", err)
	}
	if tx.Status != store.StatusPending {
		return nil, &ConflictError{ID: id, Status: tx.Status}
	}
	return tx, nil
}

func (w *Workflow) conflict(ctx context.Context, id string) error {
	tx, err := w.store.GetTransaction(ctx, id)
	if err != nil {
		return fmt.Errorf("approval: %w", err)
	}
	return &ConflictError{ID: id, Status: tx.Status}
}

// feedback writes the decision marker and, on approval, protects the row.
func (w *Workflow) feedback(ctx context.Context, tx *store.Transaction, marker string, protect bool) {
	sh, err := w.store.GetSheet(ctx, tx.SheetID)
	if err != nil {
		w.feedbackFailed(ctx, tx, err)
		return
	}
	ctx = sheets.ForSheet(ctx, sh.ID)
	tab := period.Tab(tx.Period)
	err = w.provider.BatchWrite(ctx, sh.SpreadsheetID, []sheets.CellUpdate{
		{Tab: tab, Row: tx.Row, Col: sheets.ColStatus, Value: marker},
	})
	if err == nil && protect {
		err = w.provider.Protect(ctx, sh.SpreadsheetID,
			sheets.Range{Tab: tab, StartRow: tx.Row, EndRow: tx.Row},
			sheets.ProtectRowPrefix+tx.StableID)
	}
	if err != nil {
		w.feedbackFailed(ctx, tx, err)
	}
}

func (w *Workflow) feedbackFailed(ctx context.Context, tx *store.Transaction, cause error) {
	w.logger.Warn("approval: sheet feedback failed", "id", tx.ID, "stable_id", tx.StableID,
		"sheet", tx.SheetID, "row", tx.Row, "error", cause)
	if w.cache == nil {
		return
	}
	if err := w.cache.Invalidate(ctx, tx.SheetID); err != nil {
		w.logger.Error("approval: invalidate cache", "sheet", tx.SheetID, "error", err)
	}
}

func (w *Workflow) journal(ctx context.Context, action, id string, params any, err error) {
	if w.audit == nil {
		return
	}
	e := audit.FromContext(ctx, action, id, params)
	if err != nil {
		e.Error = err.Error()
	}
	if lerr := w.audit.Log(ctx, e); lerr != nil {
		w.logger.Error("approval: audit journal", "action", action, "id", id, "error", lerr)
	}
}
