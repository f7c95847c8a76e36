package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/hazyhaar/sheetledger/changecache"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/anomaly"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/rowparse"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/sheets"
)

// pass holds the state of one period reconciliation.
type pass struct {
	e      *Engine
	sheet  *store.Sheet
	period string
	tab    string
	res    *PeriodResult

	updates []sheets.CellUpdate
	touched []string        // transaction ids created or changed
	seen    map[string]bool // stable ids met earlier in this tab
	present map[string]bool // stable ids anywhere in this tab
}

func (p *pass) set(line int, col, value, current string) {
	if strings.TrimSpace(current) == value {
		return
	}
	p.updates = append(p.updates, sheets.CellUpdate{Tab: p.tab, Row: line, Col: col, Value: value})
}

// contentDigest covers the cells a user edits, columns A to E.
func contentDigest(raw []string) string {
	return changecache.DigestFields(raw[sheets.IdxDate], raw[sheets.IdxDescription],
		raw[sheets.IdxAmount], raw[sheets.IdxCategory], raw[sheets.IdxReceipt])
}

func (p *pass) row(ctx context.Context, line int, row []string) error {
	rec, err := p.e.parser.Parse(line, row)
	switch {
	case errors.Is(err, rowparse.ErrBlankAmount):
		return nil
	case err != nil:
		p.res.Invalid++
		p.set(line, sheets.ColStatus, rowparse.MarkerFor(err), rec.Marker)
		return nil
	}

	if rec.StableID != "" && !p.seen[rec.StableID] {
		p.seen[rec.StableID] = true
		tx, err := p.e.store.GetByStableID(ctx, rec.StableID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			p.res.Orphans++
			return p.create(ctx, rec, rec.StableID)
		case err != nil:
			return err
		case tx.SheetID == p.sheet.ID:
			return p.known(ctx, rec, tx)
		}
		// The identifier belongs to another sheet: the row was copied.
	}
	if rec.StableID == "" {
		tx, err := p.e.store.FindUnconfirmed(ctx, p.sheet.ID, p.period, line, contentDigest(rec.Raw), p.present)
		switch {
		case err == nil:
			return p.adopt(rec, tx)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}
	p.res.Created++
	stable := p.e.newStable()
	p.seen[stable] = true
	return p.create(ctx, rec, stable)
}

// adopt writes back the identifier of a record whose earlier write-back
// never reached the sheet.
func (p *pass) adopt(rec *rowparse.Record, tx *store.Transaction) error {
	p.res.Adopted++
	p.seen[tx.StableID] = true
	p.set(rec.Line, sheets.ColStableID, tx.StableID, rec.Raw[sheets.IdxStableID])
	p.set(rec.Line, sheets.ColStatus, sheets.MarkerStaged, rec.Marker)
	if tx.Note != "" {
		p.set(rec.Line, sheets.ColNote, tx.Note, rec.Note)
	}
	return nil
}

func (p *pass) fill(tx *store.Transaction, rec *rowparse.Record) {
	tx.SheetID = p.sheet.ID
	tx.Period = p.period
	tx.Row = rec.Line
	tx.Digest = contentDigest(rec.Raw)
	tx.Amount = rec.Amount
	tx.Currency = rec.Currency
	tx.Date = rec.Date
	tx.Description = rowparse.Sanitize(rec.Description)
	tx.DescriptionKey = anomaly.Key(tx.Description)
	tx.Category = rowparse.Sanitize(rec.Category)
	tx.Department = p.sheet.Department
	tx.Receipt = rowparse.Sanitize(rec.Receipt)
	tx.Note = ""
	if p.e.anomalies.NeedsReceipt(tx) {
		tx.Note = NoteReceiptRequired
	}
}

func (p *pass) create(ctx context.Context, rec *rowparse.Record, stable string) error {
	tx := &store.Transaction{ID: p.e.newID(), StableID: stable, Status: store.StatusPending}
	p.fill(tx, rec)
	if tx.Category == "" {
		if cat, ok, err := p.e.anomalies.SuggestCategory(ctx, tx.Description); err != nil {
			return err
		} else if ok {
			tx.Category = cat
		}
	}
	if err := p.e.store.InsertTransaction(ctx, tx); err != nil {
		return err
	}
	p.touched = append(p.touched, tx.ID)

	p.set(rec.Line, sheets.ColStableID, stable, rec.Raw[sheets.IdxStableID])
	p.set(rec.Line, sheets.ColStatus, sheets.MarkerStaged, rec.Marker)
	if tx.Note != "" {
		p.set(rec.Line, sheets.ColNote, tx.Note, rec.Note)
	}
	_, err := p.e.anomalies.Screen(ctx, tx)
	return err
}

func (p *pass) known(ctx context.Context, rec *rowparse.Record, tx *store.Transaction) error {
	if tx.Row != rec.Line || tx.Period != p.period {
		if err := p.e.store.MoveRow(ctx, tx.ID, rec.Line); err != nil {
			return err
		}
	}
	changed := contentDigest(rec.Raw) != tx.Digest

	switch tx.Status {
	case store.StatusApproved:
		if changed {
			p.res.Conflicts++
			p.set(rec.Line, sheets.ColStatus, sheets.MarkerConflict, rec.Marker)
			p.e.logger.Warn("reconcile: approved row changed", "sheet", p.sheet.ID,
				"stable_id", tx.StableID, "row", rec.Line)
			return nil
		}
		p.res.Unchanged++
		p.set(rec.Line, sheets.ColStatus, sheets.MarkerApproved, rec.Marker)
		return nil

	case store.StatusRejected:
		if !changed {
			p.res.Unchanged++
			p.set(rec.Line, sheets.ColStatus, sheets.MarkerRejected, rec.Marker)
			return nil
		}
		p.res.Reopened++
		tx.RejectReason = ""
		return p.update(ctx, rec, tx, store.StatusRejected)

	default:
		if !changed {
			p.res.Unchanged++
			p.set(rec.Line, sheets.ColStatus, sheets.MarkerStaged, rec.Marker)
			return nil
		}
		p.res.Updated++
		return p.update(ctx, rec, tx, store.StatusPending)
	}
}

func (p *pass) update(ctx context.Context, rec *rowparse.Record, tx *store.Transaction, from store.Status) error {
	p.fill(tx, rec)
	tx.Status = store.StatusPending
	if err := p.e.store.UpdateContent(ctx, tx, from); err != nil {
		return err
	}
	p.touched = append(p.touched, tx.ID)
	p.set(rec.Line, sheets.ColStatus, sheets.MarkerStaged, rec.Marker)
	if tx.Note != "" {
		p.set(rec.Line, sheets.ColNote, tx.Note, rec.Note)
	}
	_, err := p.e.anomalies.Screen(ctx, tx)
	return err
}
