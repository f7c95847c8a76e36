// Package memsheet is an in-memory sheets.Provider. It records every call
// so tests can assert how many external requests a component made, and it
// can inject failures per operation.
package memsheet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hazyhaar/sheetledger/sheets"
)

// Operation names recorded in the call log.
const (
	OpRead        = "read"
	OpWrite       = "write"
	OpProtect     = "protect"
	OpUnprotect   = "unprotect"
	OpSetTabColor = "tab_color"
)

// Call is one recorded request.
type Call struct {
	Op          string
	Spreadsheet string
	Tab         string
	Updates     int
}

// Protection is an active protected range.
type Protection struct {
	Range       sheets.Range
	Description string
}

type tab struct {
	header      []string
	rows        [][]string
	protections []Protection
	color       *sheets.Color
}

// Sheet holds any number of spreadsheets, each with named tabs.
type Sheet struct {
	mu    sync.Mutex
	books map[string]map[string]*tab
	calls []Call
	fail  map[string][]error
}

// New returns an empty store.
func New() *Sheet {
	return &Sheet{books: make(map[string]map[string]*tab), fail: make(map[string][]error)}
}

// AddTab creates (or replaces) a tab with a header and data rows.
func (s *Sheet) AddTab(spreadsheet, name string, rows ...[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[spreadsheet]
	if !ok {
		book = make(map[string]*tab)
		s.books[spreadsheet] = book
	}
	t := &tab{header: []string{"Date", "Description", "Amount", "Category", "Receipt", "ID", "Status", "Note"}}
	for _, r := range rows {
		t.rows = append(t.rows, sheets.Pad(append([]string(nil), r...)))
	}
	book[name] = t
}

// AppendRow adds a data row to an existing tab.
func (s *Sheet) AppendRow(spreadsheet, name string, row ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.books[spreadsheet][name]
	t.rows = append(t.rows, sheets.Pad(append([]string(nil), row...)))
}

// SetCell edits a data cell as a user would. row is the 1-based sheet row.
func (s *Sheet) SetCell(spreadsheet, name string, row, col int, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.books[spreadsheet][name]
	t.rows[row-sheets.FirstDataRow][col] = value
}

// Rows returns a copy of the data rows of a tab.
func (s *Sheet) Rows(spreadsheet, name string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.books[spreadsheet][name]
	if !ok {
		return nil
	}
	out := make([][]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

// Cell returns one data cell. row is the 1-based sheet row.
func (s *Sheet) Cell(spreadsheet, name string, row, col int) string {
	rows := s.Rows(spreadsheet, name)
	i := row - sheets.FirstDataRow
	if i < 0 || i >= len(rows) {
		return ""
	}
	return rows[i][col]
}

// Protections returns the protected ranges of a tab.
func (s *Sheet) Protections(spreadsheet, name string) []Protection {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.books[spreadsheet][name]
	if !ok {
		return nil
	}
	return append([]Protection(nil), t.protections...)
}

// TabColor returns the tab color, or nil when never set.
func (s *Sheet) TabColor(spreadsheet, name string) *sheets.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.books[spreadsheet][name]; ok {
		return t.color
	}
	return nil
}

// FailNext queues errors returned by the next calls of op, one per call.
func (s *Sheet) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], errs...)
}

// Calls returns the call log.
func (s *Sheet) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns the number of recorded calls of op; "" counts all.
func (s *Sheet) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (s *Sheet) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// record logs the call and pops an injected failure. Caller holds mu.
func (s *Sheet) record(c Call) error {
	s.calls = append(s.calls, c)
	if q := s.fail[c.Op]; len(q) > 0 {
		s.fail[c.Op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *Sheet) tab(spreadsheet, name string) (*tab, error) {
	t, ok := s.books[spreadsheet][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", sheets.ErrTabNotFound, spreadsheet, name)
	}
	return t, nil
}

// ReadRows implements sheets.Provider.
func (s *Sheet) ReadRows(_ context.Context, spreadsheet, name string) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpRead, Spreadsheet: spreadsheet, Tab: name}); err != nil {
		return nil, err
	}
	t, err := s.tab(spreadsheet, name)
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]string(nil), r...)
	}
	return out, nil
}

// BatchWrite implements sheets.Provider. Writes into rows beyond the end
// of the tab grow it.
func (s *Sheet) BatchWrite(_ context.Context, spreadsheet string, updates []sheets.CellUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tabName := ""
	if len(updates) > 0 {
		tabName = updates[0].Tab
	}
	if err := s.record(Call{Op: OpWrite, Spreadsheet: spreadsheet, Tab: tabName, Updates: len(updates)}); err != nil {
		return err
	}
	for _, u := range updates {
		t, err := s.tab(spreadsheet, u.Tab)
		if err != nil {
			return err
		}
		col := colIndex(u.Col)
		if col < 0 || u.Row < sheets.FirstDataRow {
			return fmt.Errorf("memsheet: bad cell %s", u.A1())
		}
		for len(t.rows) <= u.Row-sheets.FirstDataRow {
			t.rows = append(t.rows, sheets.Pad(nil))
		}
		t.rows[u.Row-sheets.FirstDataRow][col] = u.Value
	}
	return nil
}

// Protect implements sheets.Provider.
func (s *Sheet) Protect(_ context.Context, spreadsheet string, r sheets.Range, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpProtect, Spreadsheet: spreadsheet, Tab: r.Tab}); err != nil {
		return err
	}
	t, err := s.tab(spreadsheet, r.Tab)
	if err != nil {
		return err
	}
	t.protections = append(t.protections, Protection{Range: r, Description: description})
	return nil
}

// Unprotect implements sheets.Provider.
func (s *Sheet) Unprotect(_ context.Context, spreadsheet, name, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpUnprotect, Spreadsheet: spreadsheet, Tab: name}); err != nil {
		return err
	}
	t, err := s.tab(spreadsheet, name)
	if err != nil {
		return err
	}
	kept := t.protections[:0]
	for _, p := range t.protections {
		if p.Description != description {
			kept = append(kept, p)
		}
	}
	t.protections = kept
	return nil
}

// SetTabColor implements sheets.Provider.
func (s *Sheet) SetTabColor(_ context.Context, spreadsheet, name string, c sheets.Color) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpSetTabColor, Spreadsheet: spreadsheet, Tab: name}); err != nil {
		return err
	}
	t, err := s.tab(spreadsheet, name)
	if err != nil {
		return err
	}
	t.color = &c
	return nil
}

func colIndex(col string) int {
	col = strings.ToUpper(col)
	if len(col) != 1 || col[0] < 'A' || int(col[0]-'A') >= sheets.NumCols {
		return -1
	}
	return int(col[0] - 'A')
}

var _ sheets.Provider = (*Sheet)(nil)
