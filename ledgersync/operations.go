package ledgersync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/sheetledger/audit"
	"github.com/hazyhaar/sheetledger/ledger"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/approval"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/period"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/syncqueue"
	"github.com/hazyhaar/sheetledger/observability"
	"github.com/hazyhaar/sheetledger/safeguard"
)

// Re-exported types of the operator surface.
type (
	Sheet         = store.Sheet
	Transaction   = store.Transaction
	Anomaly       = store.Anomaly
	Lock          = store.Lock
	UnlockRequest = store.UnlockRequest
	SyncRun       = store.SyncRun
	Job           = syncqueue.Job
	Decision      = approval.Decision
	ItemResult    = approval.ItemResult
	TxFilter      = store.TxFilter
	AnomalyFilter = store.AnomalyFilter
)

func validatePeriods(periods []string) error {
	for _, p := range periods {
		if _, err := period.Parse(p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// --- Sync ---

// SubmitSync queues a manual, high-priority reconciliation of a sheet and
// drops its cached digests. Explicit periods are reconciled even when
// locked.
func (svc *Service) SubmitSync(ctx context.Context, sheetID, reason string, periods ...string) (*Job, error) {
	if err := validatePeriods(periods); err != nil {
		return nil, err
	}
	by, err := actor(ctx)
	if err != nil {
		by = "operator"
	}
	return svc.scheduler.SubmitManual(ctx, sheetID, by, reason, periods...)
}

// SubmitAllPeriodic queues a periodic job for every active sheet that has
// none waiting.
func (svc *Service) SubmitAllPeriodic(ctx context.Context) (int, error) {
	return svc.scheduler.SubmitAllPeriodic(ctx)
}

// Drain runs every visible job now and returns how many ran.
func (svc *Service) Drain(ctx context.Context) int {
	return svc.scheduler.Drain(ctx)
}

// ListQueue returns waiting and running jobs in claim order.
func (svc *Service) ListQueue(ctx context.Context) ([]*Job, error) {
	return svc.scheduler.Pending(ctx)
}

// PauseQueue stops the worker from claiming jobs.
func (svc *Service) PauseQueue(context.Context) { svc.scheduler.Pause() }

// ResumeQueue lets the worker claim jobs again.
func (svc *Service) ResumeQueue(context.Context) { svc.scheduler.Resume() }

// ResetCircuit closes a sheet's circuit and resolves its alert.
func (svc *Service) ResetCircuit(ctx context.Context, sheetID string) error {
	if _, err := svc.store.GetSheet(ctx, sheetID); err != nil {
		return err
	}
	if err := svc.breaker.Reset(ctx, sheetID); err != nil {
		return err
	}
	return svc.alerts.Resolve(ctx, observability.AlertCircuitOpen, sheetID)
}

// InvalidateCache forces every period of a sheet to be read again.
func (svc *Service) InvalidateCache(ctx context.Context, sheetID string) error {
	if _, err := svc.store.GetSheet(ctx, sheetID); err != nil {
		return err
	}
	return svc.cache.Invalidate(ctx, sheetID)
}

// ListRuns returns the latest job attempts, newest first.
func (svc *Service) ListRuns(ctx context.Context, sheetID string, limit int) ([]*SyncRun, error) {
	return svc.store.ListRuns(ctx, sheetID, limit)
}

// --- Approvals ---

// ListPending returns PENDING transactions, optionally of one department.
func (svc *Service) ListPending(ctx context.Context, department string) ([]*Transaction, error) {
	return svc.approvals.ListPending(ctx, department)
}

// ListTransactions returns staged transactions matching f.
func (svc *Service) ListTransactions(ctx context.Context, f TxFilter) ([]*Transaction, error) {
	return svc.store.ListTransactions(ctx, f)
}

// Approve promotes a PENDING transaction into the ledger.
func (svc *Service) Approve(ctx context.Context, id string, d Decision) (*ledger.Posting, error) {
	p, err := svc.approvals.Approve(ctx, id, d)
	svc.metrics.observeDecision("approved", err == nil)
	return p, err
}

// Reject closes a PENDING transaction with a reason.
func (svc *Service) Reject(ctx context.Context, id, reason string) error {
	err := svc.approvals.Reject(ctx, id, reason)
	svc.metrics.observeDecision("rejected", err == nil)
	return err
}

// BulkApprove approves every id with the same decision and reports each.
func (svc *Service) BulkApprove(ctx context.Context, ids []string, d Decision) []ItemResult {
	out := svc.approvals.BulkApprove(ctx, ids, d)
	for _, r := range out {
		svc.metrics.observeDecision("approved", r.OK)
	}
	return out
}

// --- Anomalies ---

// ListAnomalies returns anomalies matching f.
func (svc *Service) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]*Anomaly, error) {
	return svc.store.ListAnomalies(ctx, f)
}

// IgnoreAnomaly dismisses an anomaly.
func (svc *Service) IgnoreAnomaly(ctx context.Context, id string) error {
	return svc.anomalies.Ignore(ctx, id)
}

// SendDigest sends the anomaly digest of the UTC day containing day and
// returns how many anomalies it listed.
func (svc *Service) SendDigest(ctx context.Context, day time.Time) (int, error) {
	_, n, err := svc.anomalies.Digest(ctx, day)
	return n, err
}

// --- Locks ---

// LockPeriod freezes a past period of a sheet.
func (svc *Service) LockPeriod(ctx context.Context, sheetID, p string) error {
	if err := validatePeriods([]string{p}); err != nil {
		return err
	}
	return svc.locks.Lock(ctx, sheetID, p)
}

// UnlockPeriod lifts a lock permanently.
func (svc *Service) UnlockPeriod(ctx context.Context, sheetID, p string) error {
	if err := validatePeriods([]string{p}); err != nil {
		return err
	}
	return svc.locks.Unlock(ctx, sheetID, p)
}

// ListLocks returns the lock rows of a sheet, or of every sheet.
func (svc *Service) ListLocks(ctx context.Context, sheetID string) ([]*Lock, error) {
	return svc.locks.List(ctx, sheetID)
}

// RequestUnlock asks for a time-boxed unlock on behalf of the operator in
// ctx.
func (svc *Service) RequestUnlock(ctx context.Context, sheetID, p, reason string) (*UnlockRequest, error) {
	if err := validatePeriods([]string{p}); err != nil {
		return nil, err
	}
	by, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	return svc.locks.RequestUnlock(ctx, sheetID, p, reason, by)
}

// ApproveUnlock grants a pending unlock request. The approver is the
// operator in ctx and must differ from the requester.
func (svc *Service) ApproveUnlock(ctx context.Context, requestID string) (*UnlockRequest, error) {
	by, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	return svc.locks.ApproveUnlock(ctx, requestID, by)
}

// ListUnlockRequests returns requests in the given state (pending when
// empty).
func (svc *Service) ListUnlockRequests(ctx context.Context, status string) ([]*UnlockRequest, error) {
	if status == "" {
		status = store.UnlockPending
	}
	return svc.store.ListUnlockRequests(ctx, status)
}

// Sweep closes expired unlock windows now and returns how many sheets got
// a closing pass.
func (svc *Service) Sweep(ctx context.Context) (int, error) {
	return svc.locks.Sweep(ctx)
}

// --- Registry ---

// RegisterSheet adds or updates a department sheet.
func (svc *Service) RegisterSheet(ctx context.Context, sh *Sheet) error {
	if err := safeguard.ValidateSheetRef(sh.ID); err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidInput, err)
	}
	if err := safeguard.ValidateSheetRef(sh.SpreadsheetID); err != nil {
		return fmt.Errorf("%w: spreadsheet_id: %v", ErrInvalidInput, err)
	}
	sh.Department = strings.TrimSpace(sh.Department)
	if sh.Department == "" {
		return fmt.Errorf("%w: department is required", ErrInvalidInput)
	}
	return svc.store.UpsertSheet(ctx, sh)
}

// ListSheets returns registered sheets.
func (svc *Service) ListSheets(ctx context.Context, activeOnly bool) ([]*Sheet, error) {
	return svc.store.ListSheets(ctx, activeOnly)
}

// SetBudget sets the monthly budget of a department, used by the spike
// rule.
func (svc *Service) SetBudget(ctx context.Context, department, p, amount string) error {
	if err := validatePeriods([]string{p}); err != nil {
		return err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil || d.IsNegative() {
		return fmt.Errorf("%w: amount %q", ErrInvalidInput, amount)
	}
	if strings.TrimSpace(department) == "" {
		return fmt.Errorf("%w: department is required", ErrInvalidInput)
	}
	return svc.store.SetBudget(ctx, department, p, d)
}

// AuditLog returns journal entries, newest first.
func (svc *Service) AuditLog(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return svc.audit.Query(ctx, f)
}
