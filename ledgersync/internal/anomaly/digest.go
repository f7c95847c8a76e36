package anomaly

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/notify"
)

// Digest summarizes the non-ignored MEDIUM and HIGH anomalies created on
// the UTC day containing day, and sends one message when there are any.
func (e *Engine) Digest(ctx context.Context, day time.Time) (notify.Message, int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	list, err := e.store.ListAnomalies(ctx, store.AnomalyFilter{
		Since:       start.UnixMilli(),
		Until:       end.UnixMilli(),
		MinSeverity: store.SeverityMedium,
	})
	if err != nil {
		return notify.Message{}, 0, fmt.Errorf("anomaly: digest: %w", err)
	}
	if len(list) == 0 {
		return notify.Message{}, 0, nil
	}

	var b strings.Builder
	bySeverity := map[store.Severity]int{}
	byType := map[string]int{}
	for _, a := range list {
		bySeverity[a.Severity]++
		byType[a.Type]++
		ref := a.TransactionID
		if tx, err := e.store.GetTransaction(ctx, a.TransactionID); err == nil {
			ref = fmt.Sprintf("%s %s %s %q", tx.Department, tx.StableID, tx.Amount, tx.Description)
		} else if !errors.Is(err, store.ErrNotFound) {
			return notify.Message{}, 0, fmt.Errorf("anomaly: digest: %w", err)
		}
		fmt.Fprintf(&b, "[%s] %s %s: %s\n", a.Severity, a.Type, ref, a.Description)
	}

	msg := notify.Message{
		Kind:    notify.KindAnomalyDigest,
		Subject: fmt.Sprintf("%d anomalies on %s", len(list), start.Format(time.DateOnly)),
		Body:    b.String(),
		Fields: map[string]any{
			"day":    start.Format(time.DateOnly),
			"high":   bySeverity[store.SeverityHigh],
			"medium": bySeverity[store.SeverityMedium],
			"types":  byType,
		},
		Time: e.now().UTC(),
	}
	e.sender.Send(ctx, msg)
	e.logger.Info("anomaly: digest sent", "day", start.Format(time.DateOnly), "count", len(list))
	return msg, len(list), nil
}

// NextDigest returns the first digest time strictly after now.
func (e *Engine) NextDigest(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), e.cfg.DigestHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunDigest sends the previous day's digest every day at DigestHour until
// ctx is cancelled.
func (e *Engine) RunDigest(ctx context.Context) {
	for {
		wait := e.NextDigest(e.now()).Sub(e.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, _, err := e.Digest(ctx, e.now().UTC().AddDate(0, 0, -1)); err != nil {
			e.logger.Error("anomaly: digest failed", "error", err)
		}
	}
}
