package notify

import (
	"context"

	"github.com/hazyhaar/sheetledger/observability"
)

// AlertForwarder stores alerts through Next and forwards warning and
// critical ones as notifications.
type AlertForwarder struct {
	Next   observability.Alerter
	Sender Sender
}

// Raise implements observability.Alerter.
func (f AlertForwarder) Raise(ctx context.Context, a observability.Alert) {
	if f.Next != nil {
		f.Next.Raise(ctx, a)
	}
	if f.Sender == nil || a.Severity == observability.SeverityInfo {
		return
	}
	f.Sender.Send(ctx, Message{
		Kind:    KindAlert,
		Subject: a.Title,
		Body:    a.Description,
		Fields: map[string]any{
			"type":      a.Type,
			"severity":  a.Severity,
			"component": a.Component,
		},
	})
}
