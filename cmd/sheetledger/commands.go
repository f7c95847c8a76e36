package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/sheetledger/kit"
	"github.com/hazyhaar/sheetledger/ledger"
	"github.com/hazyhaar/sheetledger/ledgersync"
)

const version = "0.1.0"

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync worker, timers and operator API",
		Long: `Serve starts the sync worker, the periodic scheduler, the lock sweeper,
the daily digest and the operator HTTP API, and stops them on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			a.svc.Start(ctx)

			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           a.svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				a.logger.Info("sheetledger: listening", "addr", a.cfg.Listen, "db", a.cfg.DBPath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case <-ctx.Done():
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("http: %w", err)
				}
			}

			a.logger.Info("sheetledger: shutting down")
			shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", a.cfg.DBPath)
			return nil
		},
	}
}

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var inactive bool
	cmd := &cobra.Command{
		Use:   "register <sheet> <spreadsheet-id> <department>",
		Short: "Add or update a department sheet",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			sh := &ledgersync.Sheet{ID: args[0], SpreadsheetID: args[1], Department: args[2], Active: !inactive}
			if err := a.svc.RegisterSheet(cliContext(cmd), sh); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", sh.ID, sh.Department)
			return nil
		},
	}
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register the sheet without periodic syncs")
	return cmd
}

func newFundCommand(opts *rootOptions) *cobra.Command {
	var inactive bool
	cmd := &cobra.Command{
		Use:   "fund <id> <name>",
		Short: "Add or update a ledger fund",
		Long:  `Fund registers a fund that approvals can charge postings to.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			f := ledger.Fund{ID: args[0], Name: args[1], Active: !inactive}
			if err := a.funds.AddFund(cmd.Context(), f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fund %s (%s) saved\n", f.ID, f.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&inactive, "inactive", false, "refuse new postings to this fund")
	return cmd
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var (
		periods []string
		reason  string
		run     bool
	)
	cmd := &cobra.Command{
		Use:   "sync <sheet>",
		Short: "Queue a manual sync of a sheet",
		Long: `Sync queues a high-priority reconciliation of the sheet. With --run the
job is executed immediately against Google Sheets instead of waiting for the
serve worker.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, run)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cliContext(cmd)
			job, err := a.svc.SubmitSync(ctx, args[0], reason, periods...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued job %s for %s\n", job.ID, args[0])
			if run {
				n := a.svc.Drain(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d job(s)\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&periods, "period", "p", nil, "period to reconcile, YYYY-MM (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "cli", "reason recorded on the job")
	cmd.Flags().BoolVar(&run, "run", false, "execute queued jobs now")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close expired unlock windows now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.svc.Sweep(cliContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d closing pass(es)\n", n)
			return nil
		},
	}
}

func newDigestCommand(opts *rootOptions) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Send the anomaly digest of a day now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			at := time.Now().UTC()
			if day != "" {
				t, err := time.Parse(time.DateOnly, day)
				if err != nil {
					return fmt.Errorf("--day: %w", err)
				}
				at = t
			}
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.svc.SendDigest(cliContext(cmd), at)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "digest for %s listed %d anomalie(s)\n", at.Format(time.DateOnly), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "UTC day to report, YYYY-MM-DD (default today)")
	return cmd
}

func newMCPCommand(opts *rootOptions) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the operator tools over MCP on stdio",
		Long: `MCP exposes the operator actions as MCP tools on stdin/stdout. Every
call runs as the operator named by --operator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(operator) == "" {
				return errors.New("--operator is required")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			a.svc.Start(ctx)

			srv := mcp.NewServer(&mcp.Implementation{Name: "sheetledger", Version: version}, nil)
			a.svc.RegisterMCP(srv, operator)
			return srv.Run(ctx, &mcp.StdioTransport{})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator identity recorded for every call")
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for the users map",
		Long:  `Hash-password reads the password from the argument or from the first line of stdin.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw string
			if len(args) == 1 {
				pw = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				pw = strings.TrimRight(line, "\r\n")
			}
			if pw == "" {
				return errors.New("empty password")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

// cliContext attributes CLI actions to the local user.
func cliContext(cmd *cobra.Command) context.Context {
	return kit.WithCaller(cmd.Context(), kit.Caller{Actor: env("USER", "cli"), Transport: "cli"})
}
