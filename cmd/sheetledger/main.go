// Command sheetledger imports department spreadsheets into the ledger.
//
//	sheetledger serve                 run the worker, timers and operator API
//	sheetledger migrate               create or upgrade the database
//	sheetledger register <id> <spreadsheet> <department>
//	sheetledger fund <id> <name>      add or update a ledger fund
//	sheetledger sync <sheet> [--run]  queue a manual sync
//	sheetledger sweep                 close expired unlock windows now
//	sheetledger digest [--day]        send the anomaly digest now
//	sheetledger mcp --operator <name> serve the MCP tools on stdio
//	sheetledger hash-password         print a bcrypt hash for the users map
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/ledger"
	"github.com/hazyhaar/sheetledger/ledgersync"
	"github.com/hazyhaar/sheetledger/sheets"
	"github.com/hazyhaar/sheetledger/trace"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("sheetledger", "error", err)
		os.Exit(1)
	}
}

// rootOptions holds global flags.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "sheetledger",
		Short:         "Spreadsheet to ledger import pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c",
		env("SHEETLEDGER_CONFIG", "sheetledger.yaml"), "path to the YAML configuration")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newRegisterCommand(opts),
		newFundCommand(opts),
		newSyncCommand(opts),
		newSweepCommand(opts),
		newDigestCommand(opts),
		newMCPCommand(opts),
		newHashPasswordCommand(),
	)
	return cmd
}

// loadConfig reads the config file when it exists, then applies the
// DB_PATH, LISTEN and LOG_LEVEL environment overrides.
func loadConfig(path string) (*ledgersync.Config, error) {
	cfg, err := ledgersync.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = ledgersync.DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.Listen = env("LISTEN", cfg.Listen)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	return cfg, cfg.Validate()
}

func setupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// app is an opened service with everything it needs to close.
type app struct {
	cfg     *ledgersync.Config
	db      *sql.DB
	svc     *ledgersync.Service
	funds   fundAdder
	logger  *slog.Logger
	closers []func()
}

// openApp opens the database, the ledger and, when online, the Google
// Sheets client, and wires the service. Offline commands get a provider
// that refuses every spreadsheet call.
func openApp(ctx context.Context, opts *rootOptions, online bool) (*app, error) {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: setupLogging(cfg.LogLevel)}

	dbOpts := []dbopen.Option{dbopen.WithMkdirAll()}
	if cfg.TraceSQL {
		dbOpts = append(dbOpts, dbopen.WithTracing())
		trace.SetSlowThreshold(cfg.SlowQuery)
	}
	a.db, err = dbopen.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.db.Close() })
	if err := ledgersync.Migrate(ctx, a.db); err != nil {
		a.Close()
		return nil, err
	}

	sq := ledger.NewSQLite(a.db)
	var lw ledger.Writer = sq
	a.funds = sq
	if cfg.LedgerDSN != "" {
		pg, err := ledger.OpenPostgres(ctx, cfg.LedgerDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		lw, a.funds = pg, pg
	}

	var provider sheets.Provider = sheets.Offline{}
	if online {
		if cfg.Google.CredentialsFile == "" {
			a.Close()
			return nil, fmt.Errorf("google.credentials_file is required")
		}
		creds, err := os.ReadFile(cfg.Google.CredentialsFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		g, err := sheets.NewGoogle(ctx, creds, a.logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		provider = g
	}

	a.svc, err = ledgersync.New(cfg, a.db, provider, lw, ledgersync.WithLogger(a.logger))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { a.svc.Close() })
	if cfg.TraceSQL {
		trace.SetObserver(a.svc.Metrics())
	}
	return a, nil
}

// fundAdder is implemented by both ledgers.
type fundAdder interface {
	AddFund(ctx context.Context, f ledger.Fund) error
}

// Close releases resources in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
