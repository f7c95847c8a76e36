package anomaly

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
)

// LeadingToken returns the first word of a description in comparison
// form, or "" when it is too short to carry meaning.
func LeadingToken(description string) string {
	for _, f := range strings.Fields(Key(description)) {
		tok := strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if tok == "" {
			continue
		}
		if len([]rune(tok)) < 3 {
			return ""
		}
		return tok
	}
	return ""
}

// Learn records the approved category of tx against its leading token.
func (e *Engine) Learn(ctx context.Context, tx *store.Transaction) error {
	tok := LeadingToken(tx.Description)
	if tok == "" || strings.TrimSpace(tx.Category) == "" {
		return nil
	}
	if err := e.store.RecordHint(ctx, tok, tx.Category); err != nil {
		return fmt.Errorf("anomaly: learn: %w", err)
	}
	return nil
}

// SuggestCategory returns the category most often approved for rows
// starting like description.
func (e *Engine) SuggestCategory(ctx context.Context, description string) (string, bool, error) {
	tok := LeadingToken(description)
	if tok == "" {
		return "", false, nil
	}
	cat, hits, err := e.store.Hint(ctx, tok)
	if err != nil {
		return "", false, fmt.Errorf("anomaly: suggest: %w", err)
	}
	return cat, hits > 0, nil
}
