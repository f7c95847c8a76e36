package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// Google is the Provider backed by the Google Sheets v4 API.
type Google struct {
	svc    *sheetsapi.Service
	logger *slog.Logger

	mu     sync.Mutex
	tabIDs map[string]int64 // spreadsheet + "\x00" + tab -> sheetId
}

// NewGoogle builds a client from service-account JSON credentials.
func NewGoogle(ctx context.Context, credentialsJSON []byte, logger *slog.Logger) (*Google, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, sheetsapi.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("sheets: credentials: %w", err)
	}
	return NewGoogleWithOptions(ctx, logger, option.WithCredentials(creds))
}

// NewGoogleWithOptions builds a client from explicit client options.
func NewGoogleWithOptions(ctx context.Context, logger *slog.Logger, opts ...option.ClientOption) (*Google, error) {
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets: new service: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Google{svc: svc, logger: logger, tabIDs: make(map[string]int64)}, nil
}

// ReadRows implements Provider.
func (g *Google) ReadRows(ctx context.Context, spreadsheet, tab string) ([][]string, error) {
	rng := fmt.Sprintf("%s!A%d:%s", QuoteTab(tab), FirstDataRow, LastCol)
	resp, err := g.svc.Spreadsheets.Values.Get(spreadsheet, rng).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).Do()
	if err != nil {
		return nil, classify("read "+tab, err)
	}
	rows := make([][]string, len(resp.Values))
	for i, raw := range resp.Values {
		row := make([]string, 0, NumCols)
		for _, cell := range raw {
			if cell == nil {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprint(cell))
		}
		rows[i] = Pad(row)
	}
	return rows, nil
}

// BatchWrite implements Provider.
func (g *Google) BatchWrite(ctx context.Context, spreadsheet string, updates []CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	data := make([]*sheetsapi.ValueRange, 0, len(updates))
	for _, u := range updates {
		data = append(data, &sheetsapi.ValueRange{
			Range:  u.A1(),
			Values: [][]interface{}{{u.Value}},
		})
	}
	_, err := g.svc.Spreadsheets.Values.BatchUpdate(spreadsheet, &sheetsapi.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	return classify("batch write", err)
}

// Protect implements Provider.
func (g *Google) Protect(ctx context.Context, spreadsheet string, r Range, description string) error {
	sheetID, err := g.tabID(ctx, spreadsheet, r.Tab)
	if err != nil {
		return err
	}
	grid := &sheetsapi.GridRange{SheetId: sheetID, ForceSendFields: []string{"SheetId"}}
	if !r.WholeTab() {
		grid.StartRowIndex = int64(r.StartRow - 1)
		grid.EndRowIndex = int64(r.EndRow)
		grid.ForceSendFields = append(grid.ForceSendFields, "StartRowIndex", "EndRowIndex")
	}
	req := &sheetsapi.Request{AddProtectedRange: &sheetsapi.AddProtectedRangeRequest{
		ProtectedRange: &sheetsapi.ProtectedRange{
			Range:       grid,
			Description: description,
		},
	}}
	return g.batch(ctx, "protect "+r.Tab, spreadsheet, req)
}

// Unprotect implements Provider.
func (g *Google) Unprotect(ctx context.Context, spreadsheet, tab, description string) error {
	ss, err := g.svc.Spreadsheets.Get(spreadsheet).
		Fields("sheets(properties(sheetId,title),protectedRanges(protectedRangeId,description))").
		Context(ctx).Do()
	if err != nil {
		return classify("list protections", err)
	}
	var reqs []*sheetsapi.Request
	found := false
	for _, sh := range ss.Sheets {
		if sh.Properties == nil || sh.Properties.Title != tab {
			continue
		}
		found = true
		for _, pr := range sh.ProtectedRanges {
			if pr.Description != description {
				continue
			}
			reqs = append(reqs, &sheetsapi.Request{DeleteProtectedRange: &sheetsapi.DeleteProtectedRangeRequest{
				ProtectedRangeId: pr.ProtectedRangeId,
			}})
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrTabNotFound, tab)
	}
	if len(reqs) == 0 {
		return nil
	}
	return g.batch(ctx, "unprotect "+tab, spreadsheet, reqs...)
}

// SetTabColor implements Provider.
func (g *Google) SetTabColor(ctx context.Context, spreadsheet, tab string, c Color) error {
	sheetID, err := g.tabID(ctx, spreadsheet, tab)
	if err != nil {
		return err
	}
	req := &sheetsapi.Request{UpdateSheetProperties: &sheetsapi.UpdateSheetPropertiesRequest{
		Properties: &sheetsapi.SheetProperties{
			SheetId:         sheetID,
			TabColor:        &sheetsapi.Color{Red: c.Red, Green: c.Green, Blue: c.Blue},
			ForceSendFields: []string{"SheetId"},
		},
		Fields: "tabColor",
	}}
	return g.batch(ctx, "tab color "+tab, spreadsheet, req)
}

func (g *Google) batch(ctx context.Context, op, spreadsheet string, reqs ...*sheetsapi.Request) error {
	_, err := g.svc.Spreadsheets.BatchUpdate(spreadsheet, &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: reqs,
	}).Context(ctx).Do()
	return classify(op, err)
}

// tabID resolves a tab title to its numeric sheetId, caching the result.
func (g *Google) tabID(ctx context.Context, spreadsheet, tab string) (int64, error) {
	key := spreadsheet + "\x00" + tab
	g.mu.Lock()
	id, ok := g.tabIDs[key]
	g.mu.Unlock()
	if ok {
		return id, nil
	}

	ss, err := g.svc.Spreadsheets.Get(spreadsheet).
		Fields("sheets(properties(sheetId,title))").
		Context(ctx).Do()
	if err != nil {
		return 0, classify("resolve tab "+tab, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sh := range ss.Sheets {
		if sh.Properties == nil {
			continue
		}
		g.tabIDs[spreadsheet+"\x00"+sh.Properties.Title] = sh.Properties.SheetId
	}
	id, ok = g.tabIDs[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTabNotFound, tab)
	}
	return id, nil
}
