// Package parallelcopy bulk-loads a delimited text file into a PostgreSQL or
// TimescaleDB table over several COPY connections at once.
//
// The input is read by a single goroutine and split into batches of raw rows;
// each worker owns one connection and streams the batches it receives through
// COPY ... FROM STDIN. Row order is preserved within a batch but not across
// batches.
package parallelcopy

import (
	"context"
	"io"
	"time"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/orchestrator"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/result"
)

// Options describes one copy.
type Options struct {
	// File is the path of the input file. Files ending in .gz are decompressed.
	File string

	// Connection is a PostgreSQL connection URL or key/value string.
	Connection string

	// DBName overrides the database. When empty the trailing path segment of
	// Connection is used.
	DBName string

	Schema   string
	Table    string
	Truncate bool

	// CopyOptions is appended to the COPY statement, e.g. "CSV".
	CopyOptions string

	// Split is the field delimiter. `\t` means TAB.
	Split  string
	Quote  string
	Escape string

	// Columns is a comma separated column list; empty means all columns.
	Columns string

	SkipHeader      bool
	HeaderLineCount int

	Workers   int
	Limit     int64
	BatchSize int

	// QueueSize bounds the batches waiting for a worker; 0 means 2 per worker.
	QueueSize int

	LogBatches      bool
	ReportingPeriod time.Duration
	Verbose         bool

	// RowCount is the expected number of rows. It only drives progress output.
	RowCount int64

	// BestEffort keeps copying when a batch is rejected and reports the run
	// as completed with errors instead of failing it.
	BestEffort bool

	// Encoding is the input character set, e.g. "windows-1251". Empty is UTF-8.
	Encoding string

	// HistoryDB is a SQLite file that records every run; empty disables it.
	HistoryDB string

	// MetricsAddr serves Prometheus metrics during the run when set.
	MetricsAddr string

	// Output receives throughput reports and the final summary; nil means stdout.
	Output io.Writer
}

// Result reports what a run did.
type Result = result.Result

// ErrorKind classifies the errors returned by Run and ParallelCopy.
type ErrorKind = copyerr.Kind

// Error kinds returned by Run and ParallelCopy.
const (
	ConfigError     = copyerr.Config
	IOError         = copyerr.IO
	ConnectionError = copyerr.Connection
	PrepareError    = copyerr.Prepare
	BatchCopyError  = copyerr.BatchCopy
)

// IsKind reports whether err is a copy error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return copyerr.IsKind(err, kind)
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	d := config.Default()
	return Options{
		Schema:          d.Schema,
		CopyOptions:     d.CopyOptions,
		Split:           d.Split,
		HeaderLineCount: d.HeaderLineCount,
		Workers:         d.Workers,
		BatchSize:       d.BatchSize,
	}
}

// ParallelCopy copies opts.File into the destination table. It returns nil on
// success and the first fatal error otherwise.
func ParallelCopy(ctx context.Context, opts Options) error {
	_, err := Run(ctx, opts)
	return err
}

// Run is ParallelCopy that also returns the run's statistics. The Result is
// never nil.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.config()
	var o []orchestrator.Option
	if opts.Output != nil {
		o = append(o, orchestrator.WithReportWriter(opts.Output))
	}
	return orchestrator.New(cfg, o...).Run(ctx)
}

// config converts opts to a Config, filling the defaults for zero values the
// caller cannot have meant.
func (opts Options) config() *config.Config {
	cfg := config.Default()
	cfg.File = opts.File
	cfg.Connection = opts.Connection
	cfg.DBName = opts.DBName
	cfg.Table = opts.Table
	cfg.Truncate = opts.Truncate
	cfg.Quote = opts.Quote
	cfg.Escape = opts.Escape
	cfg.Columns = opts.Columns
	cfg.SkipHeader = opts.SkipHeader
	cfg.Limit = opts.Limit
	cfg.QueueSize = opts.QueueSize
	cfg.LogBatches = opts.LogBatches
	cfg.ReportingPeriod = opts.ReportingPeriod
	cfg.Verbose = opts.Verbose
	cfg.RowCount = opts.RowCount
	cfg.BestEffort = opts.BestEffort
	cfg.Encoding = opts.Encoding
	cfg.HistoryDB = opts.HistoryDB
	cfg.MetricsAddr = opts.MetricsAddr

	if opts.Schema != "" {
		cfg.Schema = opts.Schema
	}
	if opts.CopyOptions != "" {
		cfg.CopyOptions = opts.CopyOptions
	}
	if opts.Split != "" {
		cfg.Split = opts.Split
	}
	if opts.HeaderLineCount != 0 {
		cfg.HeaderLineCount = opts.HeaderLineCount
	}
	if opts.Workers != 0 {
		cfg.Workers = opts.Workers
	}
	if opts.BatchSize != 0 {
		cfg.BatchSize = opts.BatchSize
	}
	return cfg
}
