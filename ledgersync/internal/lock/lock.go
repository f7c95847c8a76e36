// Package lock freezes past periods of a sheet and hands out time-boxed
// unlock grants.
//
// A locked period is read-only for regular reconciliation passes and
// protected in the spreadsheet. An approved unlock request lifts the lock
// for a fixed window; the sweep closes expired windows, re-applies the
// protection and asks the scheduler for one closing pass per sheet so the
// edits made during the window reach the store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/sheetledger/audit"
	"github.com/hazyhaar/sheetledger/idgen"
	"github.com/hazyhaar/sheetledger/kit"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/period"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/notify"
	"github.com/hazyhaar/sheetledger/sheets"
)

// Audit actions.
const (
	ActionLock          = "lock.lock"
	ActionUnlock        = "lock.unlock"
	ActionRequestUnlock = "lock.request_unlock"
	ActionApproveUnlock = "lock.approve_unlock"
)

var (
	// ErrCurrentPeriod is returned when locking the period that contains now.
	ErrCurrentPeriod = errors.New("lock: cannot lock the current period")
	// ErrNotLocked is returned when requesting an unlock of an open period.
	ErrNotLocked = errors.New("lock: period is not locked")
	// ErrSelfApproval is returned when the requester approves their own request.
	ErrSelfApproval = errors.New("lock: requester cannot approve their own unlock")
	// ErrResolved is returned when approving a request that is not pending.
	ErrResolved = errors.New("lock: unlock request already resolved")
	// ErrReasonRequired is returned by RequestUnlock without a reason.
	ErrReasonRequired = errors.New("lock: unlock reason required")
)

// Trigger submits the closing reconciliation pass of a sheet.
type Trigger interface {
	TriggerClosing(ctx context.Context, sheetID string, periods []string) error
}

// Manager applies locks and grants.
type Manager struct {
	store    *store.Store
	provider sheets.Provider
	trigger  Trigger
	sender   notify.Sender
	audit    audit.Logger
	window   time.Duration
	newID    idgen.Generator
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithWindow sets the unlock grant duration. Default 24h.
func WithWindow(d time.Duration) Option { return func(m *Manager) { m.window = d } }

// WithSender sets where unlock notifications go.
func WithSender(s notify.Sender) Option { return func(m *Manager) { m.sender = s } }

// WithAudit journals lock changes.
func WithAudit(l audit.Logger) Option { return func(m *Manager) { m.audit = l } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithIDGenerator overrides the unlock request id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(m *Manager) { m.newID = g } }

// New returns a Manager. provider should be quota-guarded and isolated
// per sheet.
func New(st *store.Store, provider sheets.Provider, trigger Trigger, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		provider: provider,
		trigger:  trigger,
		sender:   notify.Nop{},
		window:   24 * time.Hour,
		newID:    idgen.Prefixed("unl_", idgen.Default),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Lock freezes (sheet, period). Locking an already locked period re-applies
// the spreadsheet protection and closes any open grant.
func (m *Manager) Lock(ctx context.Context, sheetID, p string) error {
	err := m.lock(ctx, sheetID, p)
	m.journal(ctx, ActionLock, sheetID+"/"+p, map[string]string{"sheet_id": sheetID, "period": p}, err)
	return err
}

func (m *Manager) lock(ctx context.Context, sheetID, p string) error {
	if _, err := period.Parse(p); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if period.IsCurrent(p, m.now()) {
		return ErrCurrentPeriod
	}
	sh, err := m.store.GetSheet(ctx, sheetID)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if err := m.store.SetLock(ctx, sheetID, p, true, kit.GetActor(ctx)); err != nil {
		return err
	}
	if g, err := m.store.ActiveGrant(ctx, sheetID, p, m.now().UnixMilli()); err != nil {
		return err
	} else if g != nil {
		if _, err := m.store.CloseGrant(ctx, g.ID); err != nil {
			return err
		}
	}
	return m.protect(ctx, sh, p)
}

// Unlock lifts the lock of (sheet, period) permanently.
func (m *Manager) Unlock(ctx context.Context, sheetID, p string) error {
	err := m.unlock(ctx, sheetID, p)
	m.journal(ctx, ActionUnlock, sheetID+"/"+p, map[string]string{"sheet_id": sheetID, "period": p}, err)
	return err
}

func (m *Manager) unlock(ctx context.Context, sheetID, p string) error {
	sh, err := m.store.GetSheet(ctx, sheetID)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if err := m.store.SetLock(ctx, sheetID, p, false, kit.GetActor(ctx)); err != nil {
		return err
	}
	return m.release(ctx, sh, p)
}

// RequestUnlock records an operator's request to reopen a locked period.
func (m *Manager) RequestUnlock(ctx context.Context, sheetID, p, reason, requester string) (*store.UnlockRequest, error) {
	u, err := m.requestUnlock(ctx, sheetID, p, reason, requester)
	entity := sheetID + "/" + p
	if u != nil {
		entity = u.ID
	}
	m.journal(ctx, ActionRequestUnlock, entity,
		map[string]string{"sheet_id": sheetID, "period": p, "reason": reason, "requested_by": requester}, err)
	return u, err
}

func (m *Manager) requestUnlock(ctx context.Context, sheetID, p, reason, requester string) (*store.UnlockRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	l, err := m.store.GetLock(ctx, sheetID, p)
	if err != nil {
		return nil, err
	}
	if !l.Active {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotLocked, sheetID, p)
	}
	u := &store.UnlockRequest{
		ID:          m.newID(),
		SheetID:     sheetID,
		Period:      p,
		Reason:      reason,
		RequestedBy: requester,
		RequestedAt: m.now().UnixMilli(),
	}
	if err := m.store.InsertUnlockRequest(ctx, u); err != nil {
		return nil, err
	}
	m.sender.Send(ctx, notify.Message{
		Kind:    notify.KindUnlockRequested,
		Subject: fmt.Sprintf("Unlock requested for %s %s", sheetID, p),
		Body:    reason,
		Fields:  map[string]any{"request_id": u.ID, "sheet_id": sheetID, "period": p, "requested_by": requester},
		Time:    m.now(),
	})
	return u, nil
}

// ApproveUnlock grants a pending request for the configured window.
func (m *Manager) ApproveUnlock(ctx context.Context, requestID, approver string) (*store.UnlockRequest, error) {
	u, err := m.approveUnlock(ctx, requestID, approver)
	m.journal(ctx, ActionApproveUnlock, requestID, map[string]string{"approved_by": approver}, err)
	return u, err
}

func (m *Manager) approveUnlock(ctx context.Context, requestID, approver string) (*store.UnlockRequest, error) {
	u, err := m.store.GetUnlockRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	if u.Status != store.UnlockPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrResolved, u.ID, u.Status)
	}
	if strings.TrimSpace(approver) == "" || strings.EqualFold(approver, u.RequestedBy) {
		return nil, ErrSelfApproval
	}
	sh, err := m.store.GetSheet(ctx, u.SheetID)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}

	expires := m.now().Add(m.window).UnixMilli()
	err = m.store.ApproveUnlockRequest(ctx, u.ID, approver, expires)
	if errors.Is(err, store.ErrStale) {
		return nil, fmt.Errorf("%w: %s", ErrResolved, u.ID)
	}
	if err != nil {
		return nil, err
	}
	if err := m.release(ctx, sh, u.Period); err != nil {
		return nil, err
	}

	u, err = m.store.GetUnlockRequest(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	m.sender.Send(ctx, notify.Message{
		Kind:    notify.KindUnlockGranted,
		Subject: fmt.Sprintf("%s %s unlocked until %s", u.SheetID, u.Period, time.UnixMilli(expires).UTC().Format(time.RFC3339)),
		Body:    u.Reason,
		Fields:  map[string]any{"request_id": u.ID, "approved_by": approver, "expires_at": expires},
		Time:    m.now(),
	})
	return u, nil
}

// IsEditable reports whether regular passes may touch (sheet, period).
func (m *Manager) IsEditable(ctx context.Context, sheetID, p string) (bool, error) {
	l, err := m.store.GetLock(ctx, sheetID, p)
	if err != nil {
		return false, err
	}
	if !l.Active {
		return true, nil
	}
	g, err := m.store.ActiveGrant(ctx, sheetID, p, m.now().UnixMilli())
	if err != nil {
		return false, err
	}
	return g != nil, nil
}

// Sweep re-locks the periods of expired grants and triggers one closing
// pass per affected sheet. Grants are closed only once their sheet's pass
// is queued, so a failed trigger is retried by the next sweep. It returns
// the number of sheets triggered.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	grants, err := m.store.ExpiredGrants(ctx, m.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	bySheet := map[string][]*store.UnlockRequest{}
	for _, g := range grants {
		bySheet[g.SheetID] = append(bySheet[g.SheetID], g)
	}
	ids := make([]string, 0, len(bySheet))
	for id := range bySheet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	triggered := 0
	for _, id := range ids {
		var periods []string
		for _, g := range bySheet[id] {
			if err := m.relock(ctx, g); err != nil {
				m.logger.Warn("lock: relock failed", "sheet", g.SheetID, "period", g.Period, "error", err)
				errs = append(errs, err)
			}
			if !contains(periods, g.Period) {
				periods = append(periods, g.Period)
			}
		}
		if err := m.trigger.TriggerClosing(ctx, id, periods); err != nil {
			errs = append(errs, fmt.Errorf("lock: trigger closing pass %s: %w", id, err))
			continue
		}
		triggered++
		for _, g := range bySheet[id] {
			if _, err := m.store.CloseGrant(ctx, g.ID); err != nil {
				errs = append(errs, err)
			}
		}
		m.logger.Info("lock: grant closed", "sheet", id, "periods", periods)
	}
	return triggered, errors.Join(errs...)
}

func (m *Manager) relock(ctx context.Context, g *store.UnlockRequest) error {
	l, err := m.store.GetLock(ctx, g.SheetID, g.Period)
	if err != nil || !l.Active {
		return err
	}
	sh, err := m.store.GetSheet(ctx, g.SheetID)
	if err != nil {
		return err
	}
	return m.protect(ctx, sh, g.Period)
}

// SweepTicker runs Sweep every interval until ctx is done.
func (m *Manager) SweepTicker(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("lock: sweep", "error", err)
			}
		}
	}
}

// List returns the active locks of a sheet, or all when sheetID is empty.
func (m *Manager) List(ctx context.Context, sheetID string) ([]*store.Lock, error) {
	return m.store.ListLocks(ctx, sheetID)
}

func (m *Manager) protect(ctx context.Context, sh *store.Sheet, p string) error {
	ctx = sheets.ForSheet(ctx, sh.ID)
	tab := period.Tab(p)
	desc := sheets.ProtectLockPrefix + p
	err := m.provider.Unprotect(ctx, sh.SpreadsheetID, tab, desc)
	if err == nil {
		err = m.provider.Protect(ctx, sh.SpreadsheetID, sheets.Range{Tab: tab}, desc)
	}
	if err == nil {
		err = m.provider.SetTabColor(ctx, sh.SpreadsheetID, tab, sheets.ColorLocked)
	}
	return m.sheetErr(sh, p, err)
}

func (m *Manager) release(ctx context.Context, sh *store.Sheet, p string) error {
	ctx = sheets.ForSheet(ctx, sh.ID)
	tab := period.Tab(p)
	err := m.provider.Unprotect(ctx, sh.SpreadsheetID, tab, sheets.ProtectLockPrefix+p)
	if err == nil {
		err = m.provider.SetTabColor(ctx, sh.SpreadsheetID, tab, sheets.ColorUnlocked)
	}
	return m.sheetErr(sh, p, err)
}

// sheetErr ignores a missing tab: the lock state in the store is what
// gates reconciliation.
func (m *Manager) sheetErr(sh *store.Sheet, p string, err error) error {
	if errors.Is(err, sheets.ErrTabNotFound) {
		m.logger.Info("lock: no tab for period", "sheet", sh.ID, "period", p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock: %s/%s: %w", sh.ID, p, err)
	}
	return nil
}

func (m *Manager) journal(ctx context.Context, action, entity string, params any, err error) {
	if m.audit == nil {
		return
	}
	e := audit.FromContext(ctx, action, entity, params)
	if err != nil {
		e.Error = err.Error()
	}
	if lerr := m.audit.Log(ctx, e); lerr != nil {
		m.logger.Error("lock: audit journal", "action", action, "error", lerr)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
