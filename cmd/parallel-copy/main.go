package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/history"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/logging"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/orchestrator"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/version"
)

// exitInterrupted follows the shell convention of 128 + SIGINT.
const exitInterrupted = 130

func main() {
	err := newApp().Run(os.Args)
	switch code := exitCode(err); code {
	case 0:
	case exitInterrupted:
		logging.Warn("Copy interrupted: %v", err)
		os.Exit(code)
	default:
		logging.Error("%v", err)
		os.Exit(code)
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case orchestrator.IsInterrupted(err):
		return exitInterrupted
	default:
		return 1
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Copy a delimited file into a table",
				ArgsUsage: " ",
				Flags:     runFlags(),
				Action:    runCopy,
			},
			{
				Name:  "history",
				Usage: "List recorded runs, or the errors of one run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "history-db",
						Usage: "SQLite run history file",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list (0 for all)",
					},
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show the errors recorded for a specific run ID",
					},
				},
				Action: showHistory,
			},
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML configuration file; flags override it",
			EnvVars: []string{"TSPC_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format (text, json)",
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Input file (.gz is decompressed)"},
		&cli.StringFlag{Name: "connection", Usage: "PostgreSQL connection string", EnvVars: []string{"TSPC_CONNECTION"}},
		&cli.StringFlag{Name: "db-name", Usage: "Database name (default: last path segment of the connection string)"},
		&cli.StringFlag{Name: "schema", Value: config.DefaultSchema, Usage: "Destination schema"},
		&cli.StringFlag{Name: "table", Usage: "Destination table"},
		&cli.BoolFlag{Name: "truncate", Usage: "Truncate the destination table before loading"},
		&cli.StringFlag{Name: "copy-options", Value: config.DefaultCopyOptions, Usage: "Options appended to the COPY statement"},
		&cli.StringFlag{Name: "split", Value: config.DefaultSplit, Usage: `Field delimiter ("\t" for tab)`},
		&cli.StringFlag{Name: "quote", Usage: "Quote character"},
		&cli.StringFlag{Name: "escape", Usage: "Escape character (default: the quote character)"},
		&cli.StringFlag{Name: "columns", Usage: "Comma separated list of destination columns"},
		&cli.BoolFlag{Name: "skip-header", Usage: "Skip the header lines of the input"},
		&cli.IntFlag{Name: "header-line-count", Value: config.DefaultHeaderLineCount, Usage: "Number of header lines to skip"},
		&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Value: config.DefaultWorkers, Usage: "Number of parallel COPY connections"},
		&cli.Int64Flag{Name: "limit", Usage: "Copy at most this many rows (0 for all)"},
		&cli.IntFlag{Name: "batch-size", Value: config.DefaultBatchSize, Usage: "Rows per COPY batch"},
		&cli.IntFlag{Name: "queue-size", Usage: "Batches buffered ahead of the workers (default: 2 per worker)"},
		&cli.BoolFlag{Name: "log-batches", Usage: "Print the duration of every batch"},
		&cli.DurationFlag{Name: "reporting-period", Usage: "Print the row rate at this interval (0 to disable)"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Print per-worker and per-batch statistics"},
		&cli.Int64Flag{Name: "row-count", Usage: "Expected number of rows, for progress output"},
		&cli.BoolFlag{Name: "best-effort", Usage: "Keep going when a batch is rejected"},
		&cli.StringFlag{Name: "encoding", Usage: "Input character set, e.g. windows-1251"},
		&cli.StringFlag{Name: "history-db", Usage: "SQLite file recording every run"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address during the run"},
	}
}

// loadConfig reads the config file, if any, and applies command-line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	applyFlags(c, cfg)
	return cfg, nil
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(c *cli.Context, cfg *config.Config) {
	strs := map[string]*string{
		"file":         &cfg.File,
		"connection":   &cfg.Connection,
		"db-name":      &cfg.DBName,
		"schema":       &cfg.Schema,
		"table":        &cfg.Table,
		"copy-options": &cfg.CopyOptions,
		"split":        &cfg.Split,
		"quote":        &cfg.Quote,
		"escape":       &cfg.Escape,
		"columns":      &cfg.Columns,
		"encoding":     &cfg.Encoding,
		"history-db":   &cfg.HistoryDB,
		"metrics-addr": &cfg.MetricsAddr,
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
	}
	for name, dst := range strs {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}

	ints := map[string]*int{
		"header-line-count": &cfg.HeaderLineCount,
		"workers":           &cfg.Workers,
		"batch-size":        &cfg.BatchSize,
		"queue-size":        &cfg.QueueSize,
	}
	for name, dst := range ints {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	int64s := map[string]*int64{
		"limit":     &cfg.Limit,
		"row-count": &cfg.RowCount,
	}
	for name, dst := range int64s {
		if c.IsSet(name) {
			*dst = c.Int64(name)
		}
	}

	bools := map[string]*bool{
		"truncate":    &cfg.Truncate,
		"skip-header": &cfg.SkipHeader,
		"log-batches": &cfg.LogBatches,
		"verbose":     &cfg.Verbose,
		"best-effort": &cfg.BestEffort,
	}
	for name, dst := range bools {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}

	if c.IsSet("reporting-period") {
		cfg.ReportingPeriod = c.Duration("reporting-period")
	}
}

func runCopy(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Stopping workers...")
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err = orchestrator.New(cfg, orchestrator.WithReportWriter(c.App.Writer)).Run(ctx)
	return err
}

func showHistory(c *cli.Context) error {
	path := c.String("history-db")
	if path == "" && c.String("config") != "" {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.HistoryDB
	}
	if path == "" {
		return fmt.Errorf("no run history configured: set --history-db or history_db in the config file")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("run history %s: %w", path, err)
	}

	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID := c.String("run"); runID != "" {
		return printRunErrors(c.Context, c.App.Writer, store, runID)
	}
	return printRuns(c.Context, c.App.Writer, store, c.Int("limit"))
}

func printRuns(ctx context.Context, w io.Writer, store *history.Store, limit int) error {
	runs, err := store.Runs(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tTABLE\tWORKERS\tROWS\tERRORS\tDURATION\tSTATUS")
	for _, r := range runs {
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Target, r.Workers, r.Rows, r.Errors, duration, r.Status)
	}
	return tw.Flush()
}

func printRunErrors(ctx context.Context, w io.Writer, store *history.Store, runID string) error {
	errs, err := store.BatchErrors(ctx, runID)
	if err != nil {
		return err
	}
	if len(errs) == 0 {
		fmt.Fprintf(w, "No errors recorded for run %s\n", runID)
		return nil
	}
	for _, e := range errs {
		fmt.Fprintf(w, "%s %s worker=%d batch=%d: %s\n",
			e.At.Format("2006-01-02 15:04:05"), e.Kind, e.Worker, e.Seq, e.Message)
	}
	return nil
}
