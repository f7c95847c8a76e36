package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	want := []string{"serve", "migrate", "register", "fund", "sync", "sweep", "digest", "mcp", "hash-password"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}
}

func TestHashPassword(t *testing.T) {
	// WHAT: hash-password prints a bcrypt hash accepted by the users map.
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("s3cret\n"))
	root.SetArgs([]string{"hash-password", "--cost", "4"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("hash %q does not match: %v", hash, err)
	}
}

func TestMigrateAndRegister(t *testing.T) {
	// WHAT: offline commands work without Google credentials.
	// WHY: bootstrapping a deployment happens before credentials exist.
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "data", "sl.db"))
	t.Setenv("LOG_LEVEL", "error")
	cfgPath := filepath.Join(dir, "missing.yaml")

	run := func(args ...string) string {
		t.Helper()
		root := newRootCommand()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append([]string{"--config", cfgPath}, args...))
		if err := root.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	if got := run("migrate"); !strings.Contains(got, "migrated") {
		t.Fatalf("migrate output %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "sl.db")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if got := run("register", "science", "ss-science", "Science"); !strings.Contains(got, "registered science") {
		t.Fatalf("register output %q", got)
	}
	if got := run("fund", "general", "General operating"); !strings.Contains(got, "fund general") {
		t.Fatalf("fund output %q", got)
	}
	if got := run("sync", "science", "--period", "2026-03"); !strings.Contains(got, "queued job") {
		t.Fatalf("sync output %q", got)
	}
}

func TestSyncRunNeedsCredentials(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "sl.db"))
	t.Setenv("LOG_LEVEL", "error")
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(dir, "none.yaml"), "sync", "science", "--run"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "credentials_file") {
		t.Fatalf("err = %v, want credentials_file error", err)
	}
}
