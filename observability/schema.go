// Package observability records operational health signals for sheetledger:
// alerts raised by the pipeline (quota exhaustion, failed jobs, tripped
// circuits) and liveness heartbeats of the sync worker. Both live in SQLite
// and feed the health snapshot.
package observability

import "database/sql"

// Schema is the DDL for the observability tables.
const Schema = `
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    worker_name      TEXT PRIMARY KEY,
    hostname         TEXT NOT NULL,
    worker_pid       INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,
    goroutines_count INTEGER NOT NULL DEFAULT 0,
    memory_alloc_mb  REAL NOT NULL DEFAULT 0,
    jobs_handled     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS system_alerts (
    alert_id     TEXT PRIMARY KEY,
    alert_type   TEXT NOT NULL,
    severity     TEXT NOT NULL,
    component_id TEXT NOT NULL DEFAULT '',
    detected_at  INTEGER NOT NULL,
    resolved_at  INTEGER,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    occurrences  INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_alerts_open
    ON system_alerts(alert_type, component_id) WHERE resolved_at IS NULL;
`

// Init applies the observability schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
