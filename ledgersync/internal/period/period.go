// Package period maps calendar months to spreadsheet tabs. A period is
// written YYYY-MM and its tab carries the same name, so tabs of different
// fiscal years never collide inside one spreadsheet.
package period

import (
	"fmt"
	"time"
)

const layout = "2006-01"

// Of returns the period containing t, in UTC.
func Of(t time.Time) string { return t.UTC().Format(layout) }

// Parse validates a period and returns its first instant.
func Parse(p string) (time.Time, error) {
	t, err := time.Parse(layout, p)
	if err != nil {
		return time.Time{}, fmt.Errorf("period: invalid period %q (want YYYY-MM)", p)
	}
	return t, nil
}

// Tab returns the tab name of a period.
func Tab(p string) string { return p }

// Recent returns the n most recent periods ending with the one containing
// now, newest first.
func Recent(now time.Time, n int) []string {
	if n <= 0 {
		n = 1
	}
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, first.AddDate(0, -i, 0).Format(layout))
	}
	return out
}

// IsCurrent reports whether p is the period containing now.
func IsCurrent(p string, now time.Time) bool { return p == Of(now) }
