package sheets

import (
	"context"
	"errors"
)

// ErrOffline is returned by Offline for every call.
var ErrOffline = errors.New("sheets: offline, no credentials configured")

// Offline is a Provider for processes started without Google credentials.
// Store-only operations work; anything that reaches a spreadsheet fails.
type Offline struct{}

func (Offline) ReadRows(context.Context, string, string) ([][]string, error) {
	return nil, ErrOffline
}

func (Offline) BatchWrite(context.Context, string, []CellUpdate) error { return ErrOffline }

func (Offline) Protect(context.Context, string, Range, string) error { return ErrOffline }

func (Offline) Unprotect(context.Context, string, string, string) error { return ErrOffline }

func (Offline) SetTabColor(context.Context, string, string, Color) error { return ErrOffline }
