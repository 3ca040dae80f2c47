package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/history"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/result"
)

// parseRun runs the "run" command with args and returns the resulting config
// without copying anything.
func parseRun(t *testing.T, args ...string) *config.Config {
	t.Helper()
	var got *config.Config
	app := &cli.App{
		Flags: globalFlags(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Flags: runFlags(),
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					got = cfg
					return err
				},
			},
		},
	}
	if err := app.Run(append([]string{"parallel-copy"}, args...)); err != nil {
		t.Fatalf("app.Run() error: %v", err)
	}
	return got
}

func TestRunFlagsDefaults(t *testing.T) {
	cfg := parseRun(t, "run")
	def := config.Default()
	if cfg.Schema != def.Schema || cfg.Workers != def.Workers || cfg.BatchSize != def.BatchSize ||
		cfg.Split != def.Split || cfg.CopyOptions != def.CopyOptions {
		t.Errorf("flag defaults diverge from config defaults: %+v", cfg)
	}
}

func TestRunFlagsOverride(t *testing.T) {
	cfg := parseRun(t,
		"--log-level", "debug",
		"run",
		"--file", "data.csv",
		"--connection", "postgres://localhost/tsdb",
		"--table", "readings",
		"--schema", "iot",
		"--workers", "6",
		"--batch-size", "1000",
		"--limit", "5000",
		"--split", `\t`,
		"--quote", `"`,
		"--truncate",
		"--skip-header",
		"--header-line-count", "2",
		"--reporting-period", "15s",
		"--best-effort",
	)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file", cfg.File, "data.csv"},
		{"table", cfg.Table, "readings"},
		{"schema", cfg.Schema, "iot"},
		{"workers", cfg.Workers, 6},
		{"batch size", cfg.BatchSize, 1000},
		{"limit", cfg.Limit, int64(5000)},
		{"split", cfg.Split, `\t`},
		{"quote", cfg.Quote, `"`},
		{"truncate", cfg.Truncate, true},
		{"skip header", cfg.SkipHeader, true},
		{"header lines", cfg.HeaderLineCount, 2},
		{"reporting period", cfg.ReportingPeriod, 15 * time.Second},
		{"best effort", cfg.BestEffort, true},
		{"log level", cfg.LogLevel, "debug"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copy.yaml")
	yaml := "file: from-file.csv\ntable: metrics\nworkers: 4\nbatch_size: 200\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := parseRun(t, "--config", path, "run", "--workers", "12")
	if cfg.Workers != 12 {
		t.Errorf("Workers = %d, want flag value 12", cfg.Workers)
	}
	if cfg.BatchSize != 200 || cfg.File != "from-file.csv" || cfg.Table != "metrics" {
		t.Errorf("unset flags should keep file values, got %+v", cfg)
	}
}

func TestRunCommandInvalidConfig(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	err := app.Run([]string{"parallel-copy", "run", "--table", "t", "--connection", "postgres://h/db", "--file", "x.csv", "--workers", "0"})
	if !copyerr.IsKind(err, copyerr.Config) {
		t.Fatalf("run = %v, want ConfigError", err)
	}
}

func TestHistoryCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id := history.NewRunID()
	if err := store.StartRun(ctx, history.Run{ID: id, File: "in.csv", Target: `"public"."metrics"`, Workers: 2, BatchSize: 10}); err != nil {
		t.Fatal(err)
	}
	failure := copyerr.ForBatch(copyerr.BatchCopy, 1, 3, errors.New("duplicate key"))
	if err := store.RecordBatchError(ctx, id, failure); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(ctx, &result.Result{RunID: id, Rows: 20, Batches: 2, Errors: []error{failure}, Err: failure}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	if err := app.Run([]string{"parallel-copy", "history", "--history-db", path}); err != nil {
		t.Fatalf("history error: %v", err)
	}
	if !strings.Contains(out.String(), id) || !strings.Contains(out.String(), result.StatusFailed) {
		t.Errorf("history output missing run:\n%s", out.String())
	}

	out.Reset()
	if err := app.Run([]string{"parallel-copy", "history", "--history-db", path, "--run", id}); err != nil {
		t.Fatalf("history --run error: %v", err)
	}
	if !strings.Contains(out.String(), "batch=3") || !strings.Contains(out.String(), "duplicate key") {
		t.Errorf("run errors output:\n%s", out.String())
	}
}

func TestHistoryCommandWithoutDatabase(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	if err := app.Run([]string{"parallel-copy", "history"}); err == nil {
		t.Error("history without a database should fail")
	}
	missing := filepath.Join(t.TempDir(), "none.db")
	if err := app.Run([]string{"parallel-copy", "history", "--history-db", missing}); err == nil {
		t.Error("history with a missing database should fail")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"interrupted", fmt.Errorf("copy interrupted: %w", context.Canceled), exitInterrupted},
		{"batch rejected", copyerr.ForBatch(copyerr.BatchCopy, 0, 2, errors.New("bad row")), 1},
		{"timeout", context.DeadlineExceeded, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
