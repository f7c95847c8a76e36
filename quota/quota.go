// Package quota bounds calls to the spreadsheet provider. Calls are counted
// in fixed windows shared by every sheet, because the provider enforces its
// quota per credential. Callers over budget wait for the next window; calls
// rejected by the provider with a rate-limit response are retried with a
// doubling delay.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/sheetledger/kvstore"
	"github.com/hazyhaar/sheetledger/observability"
)

const keyPrefix = "quota:"

// Config tunes the Governor. Zero fields take defaults.
type Config struct {
	Limit       int           // calls per window, default 60
	Window      time.Duration // default 60s
	BaseBackoff time.Duration // first rate-limit retry delay, default 2s
	MaxRetries  int           // rate-limit retries per call, default 4 (2s, 4s, 8s, 16s)
}

func (c *Config) defaults() {
	if c.Limit <= 0 {
		c.Limit = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 4
	}
}

// Usage is the health view of the current window.
type Usage struct {
	Used        int64         `json:"used"`    // granted calls, at most Limit
	Refused     int64         `json:"refused"` // refused attempts this window
	Waiting     int           `json:"waiting"` // callers sleeping to the rollover
	Limit       int           `json:"limit"`
	WindowStart time.Time     `json:"window_start"`
	ResetsIn    time.Duration `json:"resets_in"`
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RateLimited is implemented by provider errors that can tell whether the
// provider refused the call for quota reasons.
type RateLimited interface {
	RateLimited() bool
}

// IsRateLimited reports whether err (or an error it wraps) is a rate-limit
// response.
func IsRateLimited(err error) bool {
	var rl RateLimited
	return errors.As(err, &rl) && rl.RateLimited()
}

// Governor enforces the call budget.
type Governor struct {
	kv          *kvstore.Store
	cfg         Config
	sleep       SleepFunc
	rateLimited func(error) bool
	alerts      observability.Alerter
	logger      *slog.Logger

	mu            sync.Mutex
	alertedWindow int64
	waiting       int
	waits         int64
	retries       int64
}

// Option configures a Governor.
type Option func(*Governor)

// WithSleep replaces the sleep function (tests).
func WithSleep(fn SleepFunc) Option { return func(g *Governor) { g.sleep = fn } }

// WithClassifier replaces the rate-limit classifier.
func WithClassifier(fn func(error) bool) Option { return func(g *Governor) { g.rateLimited = fn } }

// WithAlerter raises a health alert when a window is exhausted.
func WithAlerter(a observability.Alerter) Option { return func(g *Governor) { g.alerts = a } }

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option { return func(g *Governor) { g.logger = l } }

// New creates a Governor whose windows live in kv.
func New(kv *kvstore.Store, cfg Config, opts ...Option) *Governor {
	cfg.defaults()
	g := &Governor{
		kv:          kv,
		cfg:         cfg,
		sleep:       sleepCtx,
		rateLimited: IsRateLimited,
		alerts:      observability.NopAlerter{},
		logger:      slog.Default(),
		// No window has been alerted yet.
		alertedWindow: -1,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Governor) windowStart(now time.Time) time.Time {
	return now.Truncate(g.cfg.Window)
}

func (g *Governor) windowKey(start time.Time) string {
	return keyPrefix + strconv.FormatInt(start.Unix(), 10)
}

// Acquire counts one call in the current window and reports whether it is
// within budget. A refused call still counts, so the window stays
// exhausted until it rolls over.
func (g *Governor) Acquire(ctx context.Context) (bool, error) {
	start := g.windowStart(g.kv.Now())
	n, err := g.kv.Incr(ctx, g.windowKey(start), 2*g.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("quota: acquire: %w", err)
	}
	return n <= int64(g.cfg.Limit), nil
}

// Wait blocks until a call slot is acquired. Exhaustion is not an error:
// it raises a health alert once per window and sleeps to the rollover.
func (g *Governor) Wait(ctx context.Context) error {
	for {
		ok, err := g.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		now := g.kv.Now()
		start := g.windowStart(now)
		g.exhausted(ctx, start)
		g.mu.Lock()
		g.waiting++
		g.mu.Unlock()
		err = g.sleep(ctx, start.Add(g.cfg.Window).Sub(now))
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
		if err != nil {
			return fmt.Errorf("quota: wait: %w", err)
		}
	}
}

func (g *Governor) exhausted(ctx context.Context, start time.Time) {
	g.mu.Lock()
	g.waits++
	first := g.alertedWindow != start.Unix()
	g.alertedWindow = start.Unix()
	g.mu.Unlock()
	if !first {
		return
	}
	g.logger.Warn("quota: window exhausted", "limit", g.cfg.Limit, "window", g.cfg.Window, "window_start", start)
	g.alerts.Raise(ctx, observability.Alert{
		Type:        observability.AlertQuotaExhausted,
		Severity:    observability.SeverityWarning,
		Title:       "spreadsheet API quota exhausted",
		Description: fmt.Sprintf("%d calls per %s used; callers wait for the next window", g.cfg.Limit, g.cfg.Window),
	})
}

// Do runs fn inside the budget. Rate-limit errors are retried after
// BaseBackoff, doubling each time, up to MaxRetries; the last error is then
// returned. Any other error is returned at once.
func (g *Governor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := g.cfg.BaseBackoff
	for retry := 0; ; retry++ {
		if err := g.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil || !g.rateLimited(err) {
			return err
		}
		if retry == g.cfg.MaxRetries {
			g.logger.Warn("quota: rate limited, giving up", "op", op, "retries", retry, "error", err)
			return err
		}
		g.mu.Lock()
		g.retries++
		g.mu.Unlock()
		g.logger.Warn("quota: rate limited, backing off", "op", op, "retry", retry+1, "delay", delay)
		if serr := g.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("quota: %s: %w", op, serr)
		}
		delay *= 2
	}
}

// Usage returns the state of the current window.
func (g *Governor) Usage(ctx context.Context) (Usage, error) {
	now := g.kv.Now()
	start := g.windowStart(now)
	u := Usage{Limit: g.cfg.Limit, WindowStart: start, ResetsIn: start.Add(g.cfg.Window).Sub(now)}
	raw, ok, err := g.kv.Get(ctx, g.windowKey(start))
	if err != nil {
		return u, fmt.Errorf("quota: usage: %w", err)
	}
	if ok {
		n, _ := strconv.ParseInt(raw, 10, 64)
		u.Used = min(n, int64(g.cfg.Limit))
		u.Refused = n - u.Used
	}
	g.mu.Lock()
	u.Waiting = g.waiting
	g.mu.Unlock()
	return u, nil
}

// Counters returns how many times callers waited on an exhausted window
// and how many rate-limit retries were made since start.
func (g *Governor) Counters() (waits, retries int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waits, g.retries
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
