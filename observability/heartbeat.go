package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// HeartbeatWriter upserts a liveness row for a named worker at a fixed
// interval. The sync worker bumps Handled after every job.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	now        func() time.Time
	handled    atomic.Int64
}

// NewHeartbeatWriter creates a writer. interval <= 0 defaults to 15s.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		now:        time.Now,
	}
}

// Handled counts one processed job.
func (hw *HeartbeatWriter) Handled() { hw.handled.Add(1) }

// Beat writes the current liveness row.
func (hw *HeartbeatWriter) Beat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb, jobs_handled)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(worker_name) DO UPDATE SET
			hostname = excluded.hostname, worker_pid = excluded.worker_pid,
			timestamp = excluded.timestamp, goroutines_count = excluded.goroutines_count,
			memory_alloc_mb = excluded.memory_alloc_mb, jobs_handled = excluded.jobs_handled`,
		hw.workerName, hw.hostname, hw.pid, hw.now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, hw.handled.Load())
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// Run beats immediately, then every interval until ctx is cancelled.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()
	for {
		if err := hw.Beat(ctx); err != nil && ctx.Err() == nil {
			slog.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HeartbeatStatus is the latest heartbeat of a worker with a staleness
// verdict.
type HeartbeatStatus struct {
	WorkerName  string    `json:"worker_name"`
	Hostname    string    `json:"hostname"`
	PID         int       `json:"pid"`
	Timestamp   time.Time `json:"timestamp"`
	Goroutines  int       `json:"goroutines"`
	MemoryMB    float64   `json:"memory_alloc_mb"`
	JobsHandled int64     `json:"jobs_handled"`
	Alive       bool      `json:"alive"`
}

// LatestHeartbeat returns the worker's heartbeat, or nil, nil when none was
// written. Alive is false when the beat is older than staleAfter.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration, now time.Time) (*HeartbeatStatus, error) {
	var hs HeartbeatStatus
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb, jobs_handled
		FROM worker_heartbeats WHERE worker_name = ?`, workerName).
		Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts, &hs.Goroutines, &hs.MemoryMB, &hs.JobsHandled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat %s: %w", workerName, err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = now.Sub(hs.Timestamp) <= staleAfter
	return &hs, nil
}
