package store

import (
	"database/sql"
	"fmt"
)

// Schema is the pipeline schema. Amounts are decimal strings, dates are
// YYYY-MM-DD, timestamps are Unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS sheets (
    id             TEXT PRIMARY KEY,
    spreadsheet_id TEXT NOT NULL,
    department     TEXT NOT NULL,
    active         INTEGER NOT NULL DEFAULT 1,
    created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS staged_transactions (
    id              TEXT PRIMARY KEY,
    sheet_id        TEXT NOT NULL,
    period          TEXT NOT NULL,
    row_number      INTEGER NOT NULL,
    stable_id       TEXT NOT NULL UNIQUE,
    digest          TEXT NOT NULL,
    amount          TEXT NOT NULL,
    currency        TEXT NOT NULL DEFAULT '',
    date            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    description_key TEXT NOT NULL DEFAULT '',
    category        TEXT NOT NULL DEFAULT '',
    department      TEXT NOT NULL DEFAULT '',
    receipt         TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'PENDING',
    note            TEXT NOT NULL DEFAULT '',
    reject_reason   TEXT NOT NULL DEFAULT '',
    posting_id      TEXT NOT NULL DEFAULT '',
    fund_id         TEXT NOT NULL DEFAULT '',
    decided_by      TEXT NOT NULL DEFAULT '',
    decided_at      INTEGER,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staged_status ON staged_transactions(status, department);
CREATE INDEX IF NOT EXISTS idx_staged_sheet ON staged_transactions(sheet_id, period);
CREATE INDEX IF NOT EXISTS idx_staged_dup ON staged_transactions(amount, description_key);

CREATE TABLE IF NOT EXISTS anomalies (
    id             TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL REFERENCES staged_transactions(id) ON DELETE CASCADE,
    type           TEXT NOT NULL,
    severity       TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    ignored        INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_anomalies_open
    ON anomalies(transaction_id, type) WHERE ignored = 0;
CREATE INDEX IF NOT EXISTS idx_anomalies_time ON anomalies(created_at);

CREATE TABLE IF NOT EXISTS temporal_locks (
    sheet_id   TEXT NOT NULL,
    period     TEXT NOT NULL,
    active     INTEGER NOT NULL DEFAULT 1,
    changed_by TEXT NOT NULL DEFAULT '',
    changed_at INTEGER NOT NULL,
    PRIMARY KEY (sheet_id, period)
);

CREATE TABLE IF NOT EXISTS unlock_requests (
    id           TEXT PRIMARY KEY,
    sheet_id     TEXT NOT NULL,
    period       TEXT NOT NULL,
    reason       TEXT NOT NULL,
    requested_by TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    approved_by  TEXT NOT NULL DEFAULT '',
    requested_at INTEGER NOT NULL,
    approved_at  INTEGER,
    expires_at   INTEGER,
    closed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_unlock_grants ON unlock_requests(status, expires_at);

CREATE TABLE IF NOT EXISTS category_hints (
    token      TEXT NOT NULL,
    category   TEXT NOT NULL,
    hits       INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (token, category)
);

CREATE TABLE IF NOT EXISTS budgets (
    department TEXT NOT NULL,
    period     TEXT NOT NULL,
    amount     TEXT NOT NULL,
    PRIMARY KEY (department, period)
);

CREATE TABLE IF NOT EXISTS sync_runs (
    job_id      TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    sheet_id    TEXT NOT NULL,
    priority    TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    summary     TEXT NOT NULL DEFAULT '{}',
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, attempt)
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_sheet ON sync_runs(sheet_id, started_at DESC);
`

// ApplySchema creates all tables.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
