package ledgersync

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/sheetledger/audit"
	"github.com/hazyhaar/sheetledger/kit"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
)

// Audit actions of operations journaled at the endpoint layer. Approval
// and lock decisions are journaled by their own packages.
const (
	ActionSubmitSync      = "sync.submit"
	ActionResetCircuit    = "circuit.reset"
	ActionInvalidateCache = "cache.invalidate"
	ActionPauseQueue      = "queue.pause"
	ActionResumeQueue     = "queue.resume"
	ActionIgnoreAnomaly   = "anomaly.ignore"
	ActionSendDigest      = "anomaly.digest"
	ActionSweep           = "lock.sweep"
	ActionRegisterSheet   = "sheet.register"
	ActionSetBudget       = "budget.set"
)

type emptyRequest struct{}

type syncRequest struct {
	SheetID string   `json:"sheet_id"`
	Reason  string   `json:"reason"`
	Periods []string `json:"periods"`
}

type sheetRequest struct {
	SheetID string `json:"sheet_id"`
}

type departmentRequest struct {
	Department string `json:"department"`
}

type transactionsRequest struct {
	Status     string `json:"status"`
	Department string `json:"department"`
	SheetID    string `json:"sheet_id"`
	Period     string `json:"period"`
	Limit      int    `json:"limit"`
}

type approveRequest struct {
	ID                string `json:"id"`
	CorrectedCategory string `json:"corrected_category"`
	FundID            string `json:"fund_id"`
	AccountID         string `json:"account_id"`
}

type rejectRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type bulkApproveRequest struct {
	IDs               []string `json:"ids"`
	CorrectedCategory string   `json:"corrected_category"`
	FundID            string   `json:"fund_id"`
	AccountID         string   `json:"account_id"`
}

type idRequest struct {
	ID string `json:"id"`
}

type anomaliesRequest struct {
	TransactionID  string `json:"transaction_id"`
	Type           string `json:"type"`
	MinSeverity    string `json:"min_severity"`
	IncludeIgnored bool   `json:"include_ignored"`
	Limit          int    `json:"limit"`
}

type digestRequest struct {
	Day string `json:"day"` // YYYY-MM-DD, today when empty
}

type periodRequest struct {
	SheetID string `json:"sheet_id"`
	Period  string `json:"period"`
}

type unlockRequest struct {
	SheetID string `json:"sheet_id"`
	Period  string `json:"period"`
	Reason  string `json:"reason"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type registerSheetRequest struct {
	ID            string `json:"id"`
	SpreadsheetID string `json:"spreadsheet_id"`
	Department    string `json:"department"`
	Active        *bool  `json:"active"`
}

type listSheetsRequest struct {
	ActiveOnly bool `json:"active_only"`
}

type budgetRequest struct {
	Department string `json:"department"`
	Period     string `json:"period"`
	Amount     string `json:"amount"`
}

type runsRequest struct {
	SheetID string `json:"sheet_id"`
	Limit   int    `json:"limit"`
}

type auditRequest struct {
	Action   string `json:"action"`
	EntityID string `json:"entity_id"`
	Actor    string `json:"actor"`
	Limit    int    `json:"limit"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type countResponse struct {
	Count int `json:"count"`
}

// endpoints are the transport-independent operations.
type endpoints struct {
	submitSync         kit.Endpoint
	health             kit.Endpoint
	listQueue          kit.Endpoint
	pauseQueue         kit.Endpoint
	resumeQueue        kit.Endpoint
	resetCircuit       kit.Endpoint
	invalidateCache    kit.Endpoint
	listRuns           kit.Endpoint
	listPending        kit.Endpoint
	listTransactions   kit.Endpoint
	approve            kit.Endpoint
	reject             kit.Endpoint
	bulkApprove        kit.Endpoint
	listAnomalies      kit.Endpoint
	ignoreAnomaly      kit.Endpoint
	sendDigest         kit.Endpoint
	lock               kit.Endpoint
	unlock             kit.Endpoint
	listLocks          kit.Endpoint
	requestUnlock      kit.Endpoint
	approveUnlock      kit.Endpoint
	listUnlockRequests kit.Endpoint
	sweep              kit.Endpoint
	registerSheet      kit.Endpoint
	listSheets         kit.Endpoint
	setBudget          kit.Endpoint
	auditLog           kit.Endpoint
}

func (svc *Service) makeEndpoints() endpoints {
	journal := func(action string, ep kit.Endpoint) kit.Endpoint {
		return audit.Middleware(svc.audit, action)(ep)
	}
	return endpoints{
		submitSync: journal(ActionSubmitSync, func(ctx context.Context, r any) (any, error) {
			p := r.(*syncRequest)
			return svc.SubmitSync(ctx, p.SheetID, p.Reason, p.Periods...)
		}),
		health: func(ctx context.Context, _ any) (any, error) {
			return svc.Health(ctx)
		},
		listQueue: func(ctx context.Context, _ any) (any, error) {
			return svc.ListQueue(ctx)
		},
		pauseQueue: journal(ActionPauseQueue, func(ctx context.Context, _ any) (any, error) {
			svc.PauseQueue(ctx)
			return okResponse{OK: true}, nil
		}),
		resumeQueue: journal(ActionResumeQueue, func(ctx context.Context, _ any) (any, error) {
			svc.ResumeQueue(ctx)
			return okResponse{OK: true}, nil
		}),
		resetCircuit: journal(ActionResetCircuit, func(ctx context.Context, r any) (any, error) {
			if err := svc.ResetCircuit(ctx, r.(*sheetRequest).SheetID); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		}),
		invalidateCache: journal(ActionInvalidateCache, func(ctx context.Context, r any) (any, error) {
			if err := svc.InvalidateCache(ctx, r.(*sheetRequest).SheetID); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		}),
		listRuns: func(ctx context.Context, r any) (any, error) {
			p := r.(*runsRequest)
			return svc.ListRuns(ctx, p.SheetID, p.Limit)
		},
		listPending: func(ctx context.Context, r any) (any, error) {
			return svc.ListPending(ctx, r.(*departmentRequest).Department)
		},
		listTransactions: func(ctx context.Context, r any) (any, error) {
			p := r.(*transactionsRequest)
			return svc.ListTransactions(ctx, TxFilter{
				Status:     store.Status(p.Status),
				Department: p.Department,
				SheetID:    p.SheetID,
				Period:     p.Period,
				Limit:      p.Limit,
			})
		},
		approve: func(ctx context.Context, r any) (any, error) {
			p := r.(*approveRequest)
			return svc.Approve(ctx, p.ID, Decision{
				CorrectedCategory: p.CorrectedCategory,
				FundID:            p.FundID,
				AccountID:         p.AccountID,
			})
		},
		reject: func(ctx context.Context, r any) (any, error) {
			p := r.(*rejectRequest)
			if err := svc.Reject(ctx, p.ID, p.Reason); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		},
		bulkApprove: func(ctx context.Context, r any) (any, error) {
			p := r.(*bulkApproveRequest)
			if len(p.IDs) == 0 {
				return nil, fmt.Errorf("%w: ids is required", ErrInvalidInput)
			}
			return svc.BulkApprove(ctx, p.IDs, Decision{
				CorrectedCategory: p.CorrectedCategory,
				FundID:            p.FundID,
				AccountID:         p.AccountID,
			}), nil
		},
		listAnomalies: func(ctx context.Context, r any) (any, error) {
			p := r.(*anomaliesRequest)
			return svc.ListAnomalies(ctx, AnomalyFilter{
				TransactionID:  p.TransactionID,
				Type:           p.Type,
				MinSeverity:    store.Severity(p.MinSeverity),
				IncludeIgnored: p.IncludeIgnored,
				Limit:          p.Limit,
			})
		},
		ignoreAnomaly: journal(ActionIgnoreAnomaly, func(ctx context.Context, r any) (any, error) {
			if err := svc.IgnoreAnomaly(ctx, r.(*idRequest).ID); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		}),
		sendDigest: journal(ActionSendDigest, func(ctx context.Context, r any) (any, error) {
			day := svc.now()
			if s := r.(*digestRequest).Day; s != "" {
				t, err := time.Parse(time.DateOnly, s)
				if err != nil {
					return nil, fmt.Errorf("%w: day %q (want YYYY-MM-DD)", ErrInvalidInput, s)
				}
				day = t
			}
			n, err := svc.SendDigest(ctx, day)
			if err != nil {
				return nil, err
			}
			return countResponse{Count: n}, nil
		}),
		lock: func(ctx context.Context, r any) (any, error) {
			p := r.(*periodRequest)
			if err := svc.LockPeriod(ctx, p.SheetID, p.Period); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		},
		unlock: func(ctx context.Context, r any) (any, error) {
			p := r.(*periodRequest)
			if err := svc.UnlockPeriod(ctx, p.SheetID, p.Period); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		},
		listLocks: func(ctx context.Context, r any) (any, error) {
			return svc.ListLocks(ctx, r.(*sheetRequest).SheetID)
		},
		requestUnlock: func(ctx context.Context, r any) (any, error) {
			p := r.(*unlockRequest)
			return svc.RequestUnlock(ctx, p.SheetID, p.Period, p.Reason)
		},
		approveUnlock: func(ctx context.Context, r any) (any, error) {
			return svc.ApproveUnlock(ctx, r.(*idRequest).ID)
		},
		listUnlockRequests: func(ctx context.Context, r any) (any, error) {
			return svc.ListUnlockRequests(ctx, r.(*statusRequest).Status)
		},
		sweep: journal(ActionSweep, func(ctx context.Context, _ any) (any, error) {
			n, err := svc.Sweep(ctx)
			if err != nil {
				return nil, err
			}
			return countResponse{Count: n}, nil
		}),
		registerSheet: journal(ActionRegisterSheet, func(ctx context.Context, r any) (any, error) {
			p := r.(*registerSheetRequest)
			sh := &Sheet{ID: p.ID, SpreadsheetID: p.SpreadsheetID, Department: p.Department, Active: true}
			if p.Active != nil {
				sh.Active = *p.Active
			}
			if err := svc.RegisterSheet(ctx, sh); err != nil {
				return nil, err
			}
			return sh, nil
		}),
		listSheets: func(ctx context.Context, r any) (any, error) {
			return svc.ListSheets(ctx, r.(*listSheetsRequest).ActiveOnly)
		},
		setBudget: journal(ActionSetBudget, func(ctx context.Context, r any) (any, error) {
			p := r.(*budgetRequest)
			if err := svc.SetBudget(ctx, p.Department, p.Period, p.Amount); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		}),
		auditLog: func(ctx context.Context, r any) (any, error) {
			p := r.(*auditRequest)
			return svc.AuditLog(ctx, audit.Filter{
				Action:   p.Action,
				EntityID: p.EntityID,
				Actor:    p.Actor,
				Limit:    p.Limit,
			})
		},
	}
}
