package sheets

import (
	"context"
	"errors"

	"github.com/hazyhaar/sheetledger/breaker"
)

type sheetKey struct{}

// ForSheet tags ctx with the registered sheet a call is made for. Isolated
// uses it to pick the circuit.
func ForSheet(ctx context.Context, sheetID string) context.Context {
	return context.WithValue(ctx, sheetKey{}, sheetID)
}

// SheetFrom returns the sheet set by ForSheet, or "".
func SheetFrom(ctx context.Context) string {
	s, _ := ctx.Value(sheetKey{}).(string)
	return s
}

// Isolated refuses calls for a sheet whose circuit is open and counts the
// outcome of every call it lets through. The circuit is the one named by
// ForSheet; without it the spreadsheet id is used.
//
// The sync worker records job outcomes itself, so Isolated wraps the
// provider of operator-driven writes only.
type Isolated struct {
	next Provider
	br   *breaker.Breaker
}

// NewIsolated wraps p.
func NewIsolated(p Provider, br *breaker.Breaker) *Isolated {
	return &Isolated{next: p, br: br}
}

func (s *Isolated) ReadRows(ctx context.Context, spreadsheet, tab string) ([][]string, error) {
	var rows [][]string
	err := s.call(ctx, spreadsheet, func() error {
		var err error
		rows, err = s.next.ReadRows(ctx, spreadsheet, tab)
		return err
	})
	return rows, err
}

func (s *Isolated) BatchWrite(ctx context.Context, spreadsheet string, updates []CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.call(ctx, spreadsheet, func() error {
		return s.next.BatchWrite(ctx, spreadsheet, updates)
	})
}

func (s *Isolated) Protect(ctx context.Context, spreadsheet string, r Range, description string) error {
	return s.call(ctx, spreadsheet, func() error {
		return s.next.Protect(ctx, spreadsheet, r, description)
	})
}

func (s *Isolated) Unprotect(ctx context.Context, spreadsheet, tab, description string) error {
	return s.call(ctx, spreadsheet, func() error {
		return s.next.Unprotect(ctx, spreadsheet, tab, description)
	})
}

func (s *Isolated) SetTabColor(ctx context.Context, spreadsheet, tab string, c Color) error {
	return s.call(ctx, spreadsheet, func() error {
		return s.next.SetTabColor(ctx, spreadsheet, tab, c)
	})
}

func (s *Isolated) call(ctx context.Context, spreadsheet string, fn func() error) error {
	sheet := SheetFrom(ctx)
	if sheet == "" {
		sheet = spreadsheet
	}
	open, err := s.br.IsOpen(ctx, sheet)
	if err != nil {
		return err
	}
	if open {
		return &breaker.OpenError{Sheet: sheet}
	}

	err = fn()
	switch {
	case err == nil:
		return s.br.RecordSuccess(ctx, sheet)
	case errors.Is(err, ErrTabNotFound), errors.Is(err, ErrOffline),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Not a fault of the spreadsheet.
	default:
		if _, rerr := s.br.RecordFailure(ctx, sheet, err); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}
