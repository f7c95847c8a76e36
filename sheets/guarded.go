package sheets

import (
	"context"

	"github.com/hazyhaar/sheetledger/quota"
)

// Guarded routes every call of a Provider through the quota governor, so
// each external request consumes budget and rate-limit refusals are retried
// with backoff.
type Guarded struct {
	next Provider
	gov  *quota.Governor
}

// NewGuarded wraps p.
func NewGuarded(p Provider, gov *quota.Governor) *Guarded {
	return &Guarded{next: p, gov: gov}
}

func (g *Guarded) ReadRows(ctx context.Context, spreadsheet, tab string) ([][]string, error) {
	var rows [][]string
	err := g.gov.Do(ctx, "read_rows", func(ctx context.Context) error {
		var err error
		rows, err = g.next.ReadRows(ctx, spreadsheet, tab)
		return err
	})
	return rows, err
}

func (g *Guarded) BatchWrite(ctx context.Context, spreadsheet string, updates []CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return g.gov.Do(ctx, "batch_write", func(ctx context.Context) error {
		return g.next.BatchWrite(ctx, spreadsheet, updates)
	})
}

func (g *Guarded) Protect(ctx context.Context, spreadsheet string, r Range, description string) error {
	return g.gov.Do(ctx, "protect", func(ctx context.Context) error {
		return g.next.Protect(ctx, spreadsheet, r, description)
	})
}

func (g *Guarded) Unprotect(ctx context.Context, spreadsheet, tab, description string) error {
	return g.gov.Do(ctx, "unprotect", func(ctx context.Context) error {
		return g.next.Unprotect(ctx, spreadsheet, tab, description)
	})
}

func (g *Guarded) SetTabColor(ctx context.Context, spreadsheet, tab string, c Color) error {
	return g.gov.Do(ctx, "set_tab_color", func(ctx context.Context) error {
		return g.next.SetTabColor(ctx, spreadsheet, tab, c)
	})
}
