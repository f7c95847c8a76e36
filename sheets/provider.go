// Package sheets is the boundary to the external spreadsheet provider.
//
// Each department sheet has one tab per period. Row 1 is the header; data
// rows start at row 2 with the column layout below. Columns F to H belong
// to sheetledger: it writes the stable identifier, a status marker and a
// note back into them.
package sheets

import (
	"context"
	"fmt"
)

// Column letters of the data layout.
const (
	ColDate        = "A"
	ColDescription = "B"
	ColAmount      = "C"
	ColCategory    = "D"
	ColReceipt     = "E"
	ColStableID    = "F"
	ColStatus      = "G"
	ColNote        = "H"

	// LastCol bounds every read.
	LastCol = ColNote
	// FirstDataRow is the 1-based row of the first data row.
	FirstDataRow = 2
)

// Column indexes into a row returned by ReadRows.
const (
	IdxDate = iota
	IdxDescription
	IdxAmount
	IdxCategory
	IdxReceipt
	IdxStableID
	IdxStatus
	IdxNote
	NumCols
)

// Status markers written into ColStatus.
const (
	MarkerStaged        = "STAGED"
	MarkerApproved      = "APPROVED"
	MarkerRejected      = "REJECTED"
	MarkerConflict      = "CONFLICT"
	MarkerInvalidDate   = "INVALID DATE"
	MarkerInvalidAmount = "INVALID AMOUNT"
)

// CellUpdate sets one cell. Row is 1-based.
type CellUpdate struct {
	Tab   string
	Row   int
	Col   string
	Value string
}

// A1 returns the cell address in A1 notation with a quoted tab name.
func (c CellUpdate) A1() string {
	return fmt.Sprintf("%s!%s%d", QuoteTab(c.Tab), c.Col, c.Row)
}

// QuoteTab quotes a tab name for A1 notation.
func QuoteTab(tab string) string {
	out := []byte{'\''}
	for i := 0; i < len(tab); i++ {
		if tab[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, tab[i])
	}
	return string(append(out, '\''))
}

// Range selects rows of a tab. StartRow and EndRow are 1-based and
// inclusive; zero values select the whole tab.
type Range struct {
	Tab      string
	StartRow int
	EndRow   int
}

// WholeTab reports whether r covers the entire tab.
func (r Range) WholeTab() bool { return r.StartRow == 0 && r.EndRow == 0 }

// Color is an RGB tab color with components in [0, 1].
type Color struct {
	Red, Green, Blue float64
}

// Tab colors used for period locks.
var (
	ColorLocked   = Color{Red: 0.6, Green: 0.6, Blue: 0.6}
	ColorUnlocked = Color{Red: 0.2, Green: 0.66, Blue: 0.33}
)

// Protection descriptions. sheetledger only removes protections it created.
const (
	ProtectLockPrefix = "sheetledger:lock:"
	ProtectRowPrefix  = "sheetledger:row:"
)

// Provider is the spreadsheet API used by the pipeline. Implementations
// return *APIError for provider-side failures and ErrTabNotFound when the
// tab does not exist.
type Provider interface {
	// ReadRows returns the data rows (header excluded) of tab. Rows are
	// padded to NumCols cells.
	ReadRows(ctx context.Context, spreadsheet, tab string) ([][]string, error)
	// BatchWrite applies all updates in one request.
	BatchWrite(ctx context.Context, spreadsheet string, updates []CellUpdate) error
	// Protect adds a protected range labelled with description.
	Protect(ctx context.Context, spreadsheet string, r Range, description string) error
	// Unprotect removes the protected ranges of tab labelled description.
	Unprotect(ctx context.Context, spreadsheet, tab, description string) error
	// SetTabColor changes the color of tab.
	SetTabColor(ctx context.Context, spreadsheet, tab string, c Color) error
}

// Pad extends row to NumCols cells.
func Pad(row []string) []string {
	for len(row) < NumCols {
		row = append(row, "")
	}
	return row
}
