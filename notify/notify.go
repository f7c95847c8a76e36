// Package notify delivers outbound notifications: anomaly digests, failed
// sync jobs, unlock requests and health alerts. The pipeline hands messages
// to a Dispatcher and never waits for delivery.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Message kinds.
const (
	KindAnomalyDigest   = "anomaly_digest"
	KindJobFailed       = "sync_job_failed"
	KindUnlockRequested = "unlock_requested"
	KindUnlockGranted   = "unlock_granted"
	KindAlert           = "alert"
)

// Message is one outbound notification.
type Message struct {
	Kind    string         `json:"kind"`
	Subject string         `json:"subject"`
	Body    string         `json:"body,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

// Notifier delivers a message synchronously.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Sender accepts a message for asynchronous delivery.
type Sender interface {
	Send(ctx context.Context, msg Message)
}

// SendError wraps a delivery failure.
type SendError struct {
	Target string
	Cause  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("notify: send to %s failed: %v", e.Target, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// Nop discards every message.
type Nop struct{}

// Send implements Sender.
func (Nop) Send(context.Context, Message) {}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Message) error { return nil }

// Log writes messages to a slog logger.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(_ context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notify: "+msg.Kind, "subject", msg.Subject, "body", msg.Body, "fields", msg.Fields)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher queues messages and delivers them from one goroutine. When the
// buffer is full the message is dropped and counted.
type Dispatcher struct {
	target  Notifier
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan Message
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBuffer sets the queue capacity. Default 64.
func WithBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Message, n)
		}
	}
}

// WithTimeout bounds each delivery. Default 10s.
func WithTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher starts delivering to target. Call Close to flush.
func NewDispatcher(target Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		target:  target,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		queue:   make(chan Message, 64),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.loop()
	return d
}

// Send implements Sender. It never blocks.
func (d *Dispatcher) Send(_ context.Context, msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notify: queue full, message dropped", "kind", msg.Kind, "subject", msg.Subject)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.target.Notify(ctx, msg); err != nil {
			d.failed.Add(1)
			d.logger.Warn("notify: delivery failed", "kind", msg.Kind, "error", err)
		}
		cancel()
	}
}

// Dropped returns the number of messages dropped.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns the number of failed deliveries.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Close stops accepting messages and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}
