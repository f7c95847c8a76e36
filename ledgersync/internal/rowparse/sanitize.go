package rowparse

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// formulaCall matches spreadsheet functions that fetch remote content or
// build links, wherever they appear in a cell.
var formulaCall = regexp.MustCompile(`(?i)\b(IMPORTXML|IMPORTHTML|IMPORTDATA|IMPORTFEED|IMPORTRANGE|IMAGE|HYPERLINK|WEBSERVICE|GOOGLEFINANCE|FILTERXML)\s*\(`)

// ddeCall matches DDE payloads such as cmd|' /C calc'!A0.
var ddeCall = regexp.MustCompile(`(?i)\b(cmd|powershell|mshta|rundll32)\s*\|`)

// Sanitize cleans free text taken from a cell before it is stored or
// echoed back to a sheet. Markup is stripped, control characters dropped,
// leading formula triggers (= + - @) removed and remote-content function
// calls defused.
func Sanitize(s string) string {
	s = html.UnescapeString(strict.Sanitize(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			if r == '\n' || r == '\t' {
				return ' '
			}
			return -1
		}
		return r
	}, s)
	s = formulaCall.ReplaceAllString(s, "${1}_(")
	s = ddeCall.ReplaceAllString(s, "$1 ")
	s = strings.TrimSpace(s)
	for s != "" && strings.ContainsRune("=+-@", rune(s[0])) {
		s = strings.TrimSpace(s[1:])
	}
	return strings.Join(strings.Fields(s), " ")
}
