package shield

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/sheetledger/kvstore"
)

const lockoutPrefix = "authfail:"

// Lockout counts failed logins per client address in fixed windows and
// refuses further attempts once the limit is reached. Counters live in the
// shared kvstore so every process behind the same database sees them.
type Lockout struct {
	kv     *kvstore.Store
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewLockout returns a Lockout allowing limit failures per window. A
// non-positive limit disables it.
func NewLockout(kv *kvstore.Store, limit int, window time.Duration, logger *slog.Logger) *Lockout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lockout{kv: kv, limit: limit, window: window, logger: logger}
}

func (l *Lockout) key(ip string) string {
	return lockoutPrefix + ip
}

// Blocked reports whether ip has used up its failures for the current
// window. Store errors fail open: a broken counter must not lock every
// operator out.
func (l *Lockout) Blocked(ctx context.Context, ip string) bool {
	if l.limit <= 0 {
		return false
	}
	v, ok, err := l.kv.Get(ctx, l.key(ip))
	if err != nil {
		l.logger.Warn("shield: lockout read failed", "ip", ip, "error", err)
		return false
	}
	if !ok {
		return false
	}
	n, _ := strconv.Atoi(v)
	return n >= l.limit
}

// Fail records a failed login and reports whether ip is now blocked.
func (l *Lockout) Fail(ctx context.Context, ip string) (bool, error) {
	if l.limit <= 0 {
		return false, nil
	}
	n, err := l.kv.Incr(ctx, l.key(ip), l.window)
	if err != nil {
		return false, fmt.Errorf("shield: record failure: %w", err)
	}
	if n == int64(l.limit) {
		l.logger.Warn("shield: client locked out", "ip", ip, "failures", n, "window", l.window)
	}
	return n >= int64(l.limit), nil
}

// Reset clears the failures of ip after a successful login.
func (l *Lockout) Reset(ctx context.Context, ip string) error {
	if l.limit <= 0 {
		return nil
	}
	return l.kv.Delete(ctx, l.key(ip))
}

// RetryAfter is the number of seconds a blocked client should wait.
func (l *Lockout) RetryAfter() int {
	return int(l.window / time.Second)
}
