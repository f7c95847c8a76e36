package ledgersync

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/sheetledger/ledgersync/internal/anomaly"
	"github.com/hazyhaar/sheetledger/safeguard"
)

// Config is the full sheetledger configuration, read from YAML.
type Config struct {
	Listen    string `yaml:"listen"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LedgerDSN string `yaml:"ledger_dsn"` // postgres DSN; empty keeps the ledger in db_path
	// TraceSQL times every statement on db_path; SlowQuery is the Warn
	// log threshold.
	TraceSQL  bool          `yaml:"trace_sql"`
	SlowQuery time.Duration `yaml:"slow_query"`

	Google    GoogleConfig    `yaml:"google"`
	Quota     QuotaConfig     `yaml:"quota"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Cache     CacheConfig     `yaml:"cache"`
	Sync      SyncConfig      `yaml:"sync"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Lock      LockConfig      `yaml:"lock"`
	Notify    NotifyConfig    `yaml:"notify"`
	HTTP      HTTPConfig      `yaml:"http"`

	// Users maps operator names to bcrypt password hashes.
	Users map[string]string `yaml:"users"`
}

// GoogleConfig locates the service account used for the Sheets API.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

// QuotaConfig bounds calls to the spreadsheet provider.
type QuotaConfig struct {
	Limit       int           `yaml:"limit"`
	Window      time.Duration `yaml:"window"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxRetries  int           `yaml:"max_retries"`
}

// BreakerConfig tunes the per-sheet circuits.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// CacheConfig tunes change detection.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// SyncConfig tunes the scheduler.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	Visibility  time.Duration `yaml:"visibility"`
	Retention   time.Duration `yaml:"retention"`
}

// ReconcileConfig tunes reconciliation passes.
type ReconcileConfig struct {
	Periods           int  `yaml:"periods"`
	VelocityThreshold int  `yaml:"velocity_threshold"`
	DayFirst          bool `yaml:"day_first"`
}

// AnomalyConfig tunes the rules. Amounts are decimal strings.
type AnomalyConfig struct {
	SpikeFraction    string   `yaml:"spike_fraction"`
	Keywords         []string `yaml:"keywords"`
	LocalCurrency    string   `yaml:"local_currency"`
	LocalSymbol      string   `yaml:"local_symbol"`
	ForeignMarkers   []string `yaml:"foreign_markers"`
	ReceiptThreshold string   `yaml:"receipt_threshold"`
	DigestHour       int      `yaml:"digest_hour"`
}

// LockConfig tunes unlock grants.
type LockConfig struct {
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// NotifyConfig lists outbound webhooks.
type NotifyConfig struct {
	Webhooks     []WebhookTarget `yaml:"webhooks"`
	AllowPrivate bool            `yaml:"allow_private"`
	Buffer       int             `yaml:"buffer"`
}

// HTTPConfig hardens the operator API.
type HTTPConfig struct {
	// MaxAuthFailures failed logins per client within AuthFailureWindow
	// lock the client out until the window ends. 0 disables the lockout.
	MaxAuthFailures   int           `yaml:"max_auth_failures"`
	AuthFailureWindow time.Duration `yaml:"auth_failure_window"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
}

// WebhookTarget is one signed JSON webhook.
type WebhookTarget struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	d := anomaly.DefaultConfig()
	return &Config{
		Listen:    ":8090",
		DBPath:    "data/sheetledger.db",
		LogLevel:  "info",
		SlowQuery: 100 * time.Millisecond,
		Quota: QuotaConfig{
			Limit:       60,
			Window:      time.Minute,
			BaseBackoff: 2 * time.Second,
			MaxRetries:  4,
		},
		Breaker:   BreakerConfig{Threshold: 5, Cooldown: 30 * time.Minute},
		Cache:     CacheConfig{TTL: 24 * time.Hour},
		Sync:      SyncConfig{Interval: 15 * time.Minute, MaxAttempts: 3, RetryBase: 2 * time.Minute, Visibility: 15 * time.Minute, Retention: 30 * 24 * time.Hour},
		Reconcile: ReconcileConfig{Periods: 2, VelocityThreshold: 50},
		Anomaly: AnomalyConfig{
			SpikeFraction:    d.SpikeFraction.String(),
			Keywords:         d.Keywords,
			LocalCurrency:    d.LocalCurrency,
			LocalSymbol:      d.LocalSymbol,
			ForeignMarkers:   d.ForeignMarkers,
			ReceiptThreshold: d.ReceiptThreshold.String(),
			DigestHour:       d.DigestHour,
		},
		Lock:   LockConfig{Window: 24 * time.Hour, SweepInterval: 5 * time.Minute},
		Notify: NotifyConfig{Buffer: 64},
		HTTP:   HTTPConfig{MaxAuthFailures: 10, AuthFailureWindow: 15 * time.Minute},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Quota.Limit <= 0 {
		return fmt.Errorf("quota.limit must be > 0")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be > 0")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be > 0")
	}
	if c.Lock.Window <= 0 {
		return fmt.Errorf("lock.window must be > 0")
	}
	if c.Anomaly.DigestHour < 0 || c.Anomaly.DigestHour > 23 {
		return fmt.Errorf("anomaly.digest_hour must be in 0..23")
	}
	if _, err := c.AnomalyRules(); err != nil {
		return err
	}
	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notify.webhooks[%d]: url is required", i)
		}
		if err := safeguard.ValidateSecret(wh.Secret); err != nil {
			return fmt.Errorf("notify.webhooks[%d]: %w", i, err)
		}
	}
	for name, hash := range c.Users {
		if !strings.HasPrefix(hash, "$2") {
			return fmt.Errorf("users.%s: password must be a bcrypt hash (see hash-password)", name)
		}
	}
	return nil
}

// AnomalyRules converts the YAML rule settings.
func (c *Config) AnomalyRules() (anomaly.Config, error) {
	out := anomaly.Config{
		Keywords:       c.Anomaly.Keywords,
		LocalCurrency:  c.Anomaly.LocalCurrency,
		LocalSymbol:    c.Anomaly.LocalSymbol,
		ForeignMarkers: c.Anomaly.ForeignMarkers,
		DigestHour:     c.Anomaly.DigestHour,
	}
	var err error
	if out.SpikeFraction, err = decimal.NewFromString(c.Anomaly.SpikeFraction); err != nil {
		return out, fmt.Errorf("anomaly.spike_fraction: %w", err)
	}
	if out.ReceiptThreshold, err = decimal.NewFromString(c.Anomaly.ReceiptThreshold); err != nil {
		return out, fmt.Errorf("anomaly.receipt_threshold: %w", err)
	}
	return out, nil
}
