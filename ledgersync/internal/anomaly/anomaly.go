// Package anomaly screens staged transactions with heuristic rules. Rules
// are idempotent: a row never carries two open anomalies of the same type.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/sheetledger/idgen"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/notify"
)

// Anomaly types.
const (
	TypeDuplicate = "DUPLICATE"
	TypeSpike     = "SPIKE"
	TypeKeyword   = "KEYWORD"
	TypeCurrency  = "CURRENCY"
	TypeWeekend   = "WEEKEND"
	TypeVelocity  = "VELOCITY"
	TypeReceipt   = "RECEIPT"
)

// Config tunes the rules.
type Config struct {
	// SpikeFraction flags amounts above this share of the department's
	// period budget.
	SpikeFraction decimal.Decimal
	// Keywords are high-risk terms matched case-insensitively.
	Keywords []string
	// LocalCurrency and LocalSymbol are never flagged.
	LocalCurrency string
	LocalSymbol   string
	// ForeignMarkers are symbols or ISO codes of other currencies.
	ForeignMarkers []string
	// ReceiptThreshold requires a receipt reference at or above this
	// absolute amount. Zero disables the rule.
	ReceiptThreshold decimal.Decimal
	// DigestHour is the UTC hour the daily digest is sent.
	DigestHour int
}

// DefaultConfig returns the stock rule settings.
func DefaultConfig() Config {
	return Config{
		SpikeFraction:    decimal.RequireFromString("0.5"),
		Keywords:         []string{"gift card", "cash advance", "personal", "bitcoin", "crypto", "wire transfer", "casino", "alcohol"},
		LocalCurrency:    "USD",
		LocalSymbol:      "$",
		ForeignMarkers:   []string{"€", "£", "¥", "₹", "₩", "₽", "EUR", "GBP", "JPY", "CAD", "AUD", "CHF", "INR", "MXN", "CNY"},
		ReceiptThreshold: decimal.NewFromInt(75),
		DigestHour:       7,
	}
}

// Engine evaluates rules against the store.
type Engine struct {
	store  *store.Store
	cfg    Config
	newID  idgen.Generator
	sender notify.Sender
	now    func() time.Time
	logger *slog.Logger

	keywords []string
	symbols  []string
	codes    *regexp.Regexp
}

// Option configures an Engine.
type Option func(*Engine)

// WithSender sets where digests go.
func WithSender(s notify.Sender) Option { return func(e *Engine) { e.sender = s } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithIDGenerator overrides anomaly ids.
func WithIDGenerator(g idgen.Generator) Option { return func(e *Engine) { e.newID = g } }

// New returns an Engine.
func New(st *store.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		cfg:    cfg,
		newID:  idgen.Prefixed("anm_", idgen.Default),
		sender: notify.Nop{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	for _, k := range cfg.Keywords {
		if k = Key(k); k != "" {
			e.keywords = append(e.keywords, k)
		}
	}
	var codes []string
	for _, m := range cfg.ForeignMarkers {
		switch {
		case m == "" || m == cfg.LocalSymbol || strings.EqualFold(m, cfg.LocalCurrency):
		case isCode(m):
			codes = append(codes, regexp.QuoteMeta(strings.ToUpper(m)))
		default:
			e.symbols = append(e.symbols, m)
		}
	}
	if len(codes) > 0 {
		e.codes = regexp.MustCompile(`\b(` + strings.Join(codes, "|") + `)\b`)
	}
	return e
}

func isCode(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

var fold = cases.Fold()

// Key is the comparison form of a description: NFC, case folded, single
// spaces.
func Key(s string) string {
	return strings.Join(strings.Fields(fold.String(norm.NFC.String(s))), " ")
}

// NeedsReceipt reports whether tx lacks a required receipt reference.
func (e *Engine) NeedsReceipt(tx *store.Transaction) bool {
	return e.cfg.ReceiptThreshold.IsPositive() &&
		tx.Amount.Abs().GreaterThanOrEqual(e.cfg.ReceiptThreshold) &&
		strings.TrimSpace(tx.Receipt) == ""
}

type finding struct {
	typ      string
	severity store.Severity
	detail   string
}

// Screen runs every row rule on tx and stores new anomalies. It returns the
// anomalies created by this call.
func (e *Engine) Screen(ctx context.Context, tx *store.Transaction) ([]*store.Anomaly, error) {
	var found []finding

	key := tx.DescriptionKey
	if key == "" {
		key = Key(tx.Description)
	}
	if key != "" {
		n, err := e.store.CountDuplicates(ctx, tx.Amount, key, tx.SheetID)
		if err != nil {
			return nil, fmt.Errorf("anomaly: duplicate rule: %w", err)
		}
		if n > 0 {
			found = append(found, finding{TypeDuplicate, store.SeverityHigh,
				fmt.Sprintf("same amount and description found on %d other row(s) in other sheets", n)})
		}
	}

	budget, ok, err := e.store.Budget(ctx, tx.Department, tx.Period)
	if err != nil {
		return nil, fmt.Errorf("anomaly: spike rule: %w", err)
	}
	if ok && budget.IsPositive() {
		limit := budget.Mul(e.cfg.SpikeFraction)
		if tx.Amount.Abs().GreaterThan(limit) {
			found = append(found, finding{TypeSpike, store.SeverityHigh,
				fmt.Sprintf("amount %s exceeds %s of the %s budget %s", tx.Amount, e.cfg.SpikeFraction, tx.Period, budget)})
		}
	}

	if kw := e.matchKeyword(key); kw != "" {
		found = append(found, finding{TypeKeyword, store.SeverityMedium,
			fmt.Sprintf("description contains high-risk term %q", kw)})
	}
	if m := e.matchCurrency(tx.Currency); m != "" {
		found = append(found, finding{TypeCurrency, store.SeverityMedium,
			fmt.Sprintf("amount written in %q where %s is expected", m, e.cfg.LocalCurrency)})
	} else if m := e.matchCurrency(tx.Description); m != "" {
		found = append(found, finding{TypeCurrency, store.SeverityMedium,
			fmt.Sprintf("foreign currency marker %q where %s is expected", m, e.cfg.LocalCurrency)})
	}
	if wd := tx.Date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		found = append(found, finding{TypeWeekend, store.SeverityLow,
			fmt.Sprintf("dated on a %s", wd)})
	}
	if e.NeedsReceipt(tx) {
		found = append(found, finding{TypeReceipt, store.SeverityMedium,
			fmt.Sprintf("no receipt reference for %s (threshold %s)", tx.Amount, e.cfg.ReceiptThreshold)})
	}

	var created []*store.Anomaly
	for _, f := range found {
		a, ok, err := e.flag(ctx, tx.ID, f)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, a)
		}
	}
	return created, nil
}

func (e *Engine) flag(ctx context.Context, txID string, f finding) (*store.Anomaly, bool, error) {
	a := &store.Anomaly{
		ID:            e.newID(),
		TransactionID: txID,
		Type:          f.typ,
		Severity:      f.severity,
		Description:   f.detail,
		CreatedAt:     e.now().UnixMilli(),
	}
	ok, err := e.store.InsertAnomaly(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("anomaly: %w", err)
	}
	if ok {
		e.logger.Debug("anomaly: flagged", "transaction_id", txID, "type", f.typ, "severity", f.severity)
	}
	return a, ok, nil
}

func (e *Engine) matchKeyword(key string) string {
	for _, kw := range e.keywords {
		if containsWord(key, kw) {
			return kw
		}
	}
	return ""
}

// containsWord reports whether phrase occurs in s on word boundaries.
func containsWord(s, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], phrase)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(phrase)
		before := start == 0 || !isWordByte(s[start-1])
		after := end == len(s) || !isWordByte(s[end])
		if before && after {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b >= 0x80
}

func (e *Engine) matchCurrency(desc string) string {
	for _, sym := range e.symbols {
		if strings.Contains(desc, sym) {
			return sym
		}
	}
	if e.codes != nil {
		if m := e.codes.FindString(desc); m != "" {
			return m
		}
	}
	return ""
}

// FlagVelocity marks every row of an oversized pass.
func (e *Engine) FlagVelocity(ctx context.Context, txIDs []string) (int, error) {
	n := 0
	for _, id := range txIDs {
		_, ok, err := e.flag(ctx, id, finding{TypeVelocity, store.SeverityMedium,
			fmt.Sprintf("%d rows added or changed in one sync pass", len(txIDs))})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Ignore dismisses an anomaly.
func (e *Engine) Ignore(ctx context.Context, id string) error {
	if err := e.store.IgnoreAnomaly(ctx, id); err != nil {
		return fmt.Errorf("anomaly: ignore: %w", err)
	}
	return nil
}
