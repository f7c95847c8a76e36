// Package trace times every SQL statement sent through the "sqlite-trace"
// driver, a wrapper around modernc.org/sqlite registered at init.
//
//	db, _ := dbopen.Open(path, dbopen.WithTracing())
//	trace.SetObserver(metrics)
//
// Failed statements are logged at Error, statements slower than the
// threshold at Warn, the rest at Debug. The request id from kit is attached
// so a slow query can be matched with the operator call that caused it.
package trace

import (
	"database/sql"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by this package.
const DriverName = "sqlite-trace"

// Observer receives the timing of every traced statement. op is "exec" or
// "query".
type Observer interface {
	ObserveSQL(op string, d time.Duration, err error)
}

var (
	mu       sync.RWMutex
	observer Observer
	slow     = 100 * time.Millisecond
)

// SetObserver installs o for every traced connection. nil disables it.
func SetObserver(o Observer) {
	mu.Lock()
	observer = o
	mu.Unlock()
}

// SetSlowThreshold changes the duration above which statements log at Warn.
func SetSlowThreshold(d time.Duration) {
	mu.Lock()
	slow = d
	mu.Unlock()
}

func current() (Observer, time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	return observer, slow
}

func init() {
	sql.Register(DriverName, &tracingDriver{Driver: &sqlite.Driver{}})
}
