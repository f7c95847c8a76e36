package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the review state of a staged transaction.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Severity of an anomaly.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Sheet is a registered department spreadsheet.
type Sheet struct {
	ID            string `json:"id"`
	SpreadsheetID string `json:"spreadsheet_id"`
	Department    string `json:"department"`
	Active        bool   `json:"active"`
	CreatedAt     int64  `json:"created_at"`
}

// Transaction is a staged spreadsheet row.
type Transaction struct {
	ID             string          `json:"id"`
	SheetID        string          `json:"sheet_id"`
	Period         string          `json:"period"`
	Row            int             `json:"row"`
	StableID       string          `json:"stable_id"`
	Digest         string          `json:"digest"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	Date           time.Time       `json:"date"`
	Description    string          `json:"description"`
	DescriptionKey string          `json:"-"`
	Category       string          `json:"category"`
	Department     string          `json:"department"`
	Receipt        string          `json:"receipt,omitempty"`
	Status         Status          `json:"status"`
	Note           string          `json:"note,omitempty"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	PostingID      string          `json:"posting_id,omitempty"`
	FundID         string          `json:"fund_id,omitempty"`
	DecidedBy      string          `json:"decided_by,omitempty"`
	DecidedAt      *int64          `json:"decided_at,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

// Anomaly is a heuristic flag on a staged transaction.
type Anomaly struct {
	ID            string   `json:"id"`
	TransactionID string   `json:"transaction_id"`
	Type          string   `json:"type"`
	Severity      Severity `json:"severity"`
	Description   string   `json:"description"`
	Ignored       bool     `json:"ignored"`
	CreatedAt     int64    `json:"created_at"`
}

// Lock is the lock state of one (sheet, period).
type Lock struct {
	SheetID   string `json:"sheet_id"`
	Period    string `json:"period"`
	Active    bool   `json:"active"`
	ChangedBy string `json:"changed_by"`
	ChangedAt int64  `json:"changed_at"`
}

// Unlock request states.
const (
	UnlockPending  = "pending"
	UnlockApproved = "approved"
	UnlockExpired  = "expired"
)

// UnlockRequest is an operator request to lift a lock. Once approved it is
// a grant that lasts until ExpiresAt.
type UnlockRequest struct {
	ID          string `json:"id"`
	SheetID     string `json:"sheet_id"`
	Period      string `json:"period"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
	Status      string `json:"status"`
	ApprovedBy  string `json:"approved_by,omitempty"`
	RequestedAt int64  `json:"requested_at"`
	ApprovedAt  *int64 `json:"approved_at,omitempty"`
	ExpiresAt   *int64 `json:"expires_at,omitempty"`
	ClosedAt    *int64 `json:"closed_at,omitempty"`
}

// SyncRun is the outcome of one attempt of a sync job.
type SyncRun struct {
	JobID      string `json:"job_id"`
	Attempt    int    `json:"attempt"`
	SheetID    string `json:"sheet_id"`
	Priority   string `json:"priority"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
}
