// Package rowparse turns raw spreadsheet rows into typed records at the
// pipeline boundary. Malformed rows come back with a marker for the sheet
// instead of entering the staged-transaction store.
package rowparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/sheetledger/idgen"
	"github.com/hazyhaar/sheetledger/sheets"
)

var (
	// ErrBlankAmount means the row carries no amount and is not a transaction.
	ErrBlankAmount = errors.New("rowparse: blank amount")
	// ErrInvalidAmount means the amount cell could not be read as money.
	ErrInvalidAmount = errors.New("rowparse: invalid amount")
	// ErrInvalidDate means the date cell matched no accepted layout.
	ErrInvalidDate = errors.New("rowparse: invalid date")
)

// Record is a parsed data row.
type Record struct {
	Line        int // 1-based sheet row
	Date        time.Time
	Amount      decimal.Decimal
	Currency    string // symbol or code written around the amount, if any
	Description string
	Category    string
	Receipt     string
	StableID    string // empty when the cell holds no minted identifier
	Marker      string
	Note        string
	Raw         []string // padded to sheets.NumCols
}

// Options controls parsing.
type Options struct {
	// DayFirst reads 03/04/2026 as 3 April. Default is month first.
	DayFirst bool
}

// Parser parses rows.
type Parser struct {
	opts Options
}

// New returns a Parser.
func New(opts Options) *Parser { return &Parser{opts: opts} }

// Parse reads one data row. The error is ErrBlankAmount, ErrInvalidAmount
// or ErrInvalidDate; in the latter two cases the returned record still
// carries Line, StableID and Raw so the caller can write the marker.
func (p *Parser) Parse(line int, row []string) (*Record, error) {
	raw := sheets.Pad(row)
	r := &Record{
		Line:        line,
		Description: strings.TrimSpace(raw[sheets.IdxDescription]),
		Category:    strings.TrimSpace(raw[sheets.IdxCategory]),
		Receipt:     strings.TrimSpace(raw[sheets.IdxReceipt]),
		Marker:      strings.TrimSpace(raw[sheets.IdxStatus]),
		Note:        strings.TrimSpace(raw[sheets.IdxNote]),
		Raw:         raw,
	}
	if id := strings.TrimSpace(raw[sheets.IdxStableID]); idgen.IsStableID(id) {
		r.StableID = strings.ToUpper(id)
	}

	amountCell := strings.TrimSpace(raw[sheets.IdxAmount])
	if amountCell == "" {
		return r, ErrBlankAmount
	}
	amount, currency, err := ParseMoney(amountCell)
	if err != nil {
		return r, err
	}
	r.Amount = amount
	r.Currency = currency

	date, err := p.ParseDate(raw[sheets.IdxDate])
	if err != nil {
		return r, err
	}
	r.Date = date
	return r, nil
}

// ParseAmount reads a money cell and drops its currency marker.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, _, err := ParseMoney(s)
	return d, err
}

// ParseMoney reads a money cell. It accepts currency symbols and codes,
// thousands separators, a decimal comma, a leading or trailing minus and
// accounting parentheses for negatives. The currency marker is returned
// as written: the upper-cased code when there is one, else the symbol.
func ParseMoney(s string) (decimal.Decimal, string, error) {
	orig := s
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	var code, symbol string
	if m := leadingCode.FindStringSubmatch(s); m != nil {
		code = m[1]
		s = s[len(m[1]):]
	}
	if m := trailingCode.FindStringSubmatch(s); m != nil {
		code = m[2]
		s = s[:len(s)-len(m[2])]
	}

	var b strings.Builder
	minus := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == '-' || r == '\u2212':
			minus++
		case r == ' ' || r == '\u00a0' || r == '\u202f' || r == '\'':
		case isCurrencySymbol(r):
			if symbol == "" {
				symbol = string(r)
			}
		default:
			return decimal.Zero, "", fmt.Errorf("%w: %q", ErrInvalidAmount, orig)
		}
	}
	if minus > 1 {
		return decimal.Zero, "", fmt.Errorf("%w: %q", ErrInvalidAmount, orig)
	}
	if minus == 1 {
		negative = !negative
	}
	digits := normalizeSeparators(b.String())
	if digits == "" || digits == "." {
		return decimal.Zero, "", fmt.Errorf("%w: %q", ErrInvalidAmount, orig)
	}
	d, err := decimal.NewFromString(digits)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("%w: %q", ErrInvalidAmount, orig)
	}
	if negative {
		d = d.Neg()
	}
	currency := symbol
	if code != "" {
		currency = strings.ToUpper(code)
	}
	return d, currency, nil
}

// Currency codes around the number: "USD 12", "US$12", "12 EUR".
var (
	leadingCode  = regexp.MustCompile(`^([A-Za-z]{1,3})[^A-Za-z]`)
	trailingCode = regexp.MustCompile(`([^A-Za-z])([A-Za-z]{3})$`)
)

func isCurrencySymbol(r rune) bool {
	switch r {
	case '$', '\u20ac', '\u00a3', '\u00a5', '\u20b9', '\u20a9', '\u20bd', '\u20ba', '\u20aa', '\u00a2', '\u20b1', '\u20ab', '\u20a6':
		return true
	}
	return false
}

// normalizeSeparators returns digits with a single '.' decimal point.
// With both separators present the last one is the decimal point. A lone
// comma is a decimal comma unless it is followed by exactly three digits.
func normalizeSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

var (
	monthFirst = []string{"01/02/2006", "1/2/2006", "01/02/06", "1/2/06"}
	dayFirst   = []string{"02/01/2006", "2/1/2006", "02/01/06", "2/1/06", "02.01.2006", "2.1.2006"}
	named      = []string{
		time.DateOnly, "2006/01/02", "2006-1-2",
		"Jan 2, 2006", "Jan 2 2006", "January 2, 2006", "January 2 2006",
		"2 Jan 2006", "2 January 2006", "02-Jan-2006", "2-Jan-2006",
		"Mon, Jan 2, 2006", "Monday, January 2, 2006",
	}
)

// sheetsEpoch is day zero of spreadsheet serial dates.
var sheetsEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseDate reads a date cell. Serial day numbers are accepted for cells
// that were not formatted as dates.
func (p *Parser) ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	layouts := make([]string, 0, len(named)+len(dayFirst))
	layouts = append(layouts, named...)
	if p.opts.DayFirst {
		layouts = append(layouts, dayFirst...)
	} else {
		layouts = append(layouts, monthFirst...)
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && n >= 1 && n < 2958466 {
		return sheetsEpoch.AddDate(0, 0, int(n)), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// MarkerFor returns the in-sheet marker for a parse error.
func MarkerFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidDate):
		return sheets.MarkerInvalidDate
	case errors.Is(err, ErrInvalidAmount):
		return sheets.MarkerInvalidAmount
	}
	return ""
}
