// Package config holds the options of a parallel copy run, loaded from a YAML
// file and/or command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/db"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/logging"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/source"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/util"
)

// Defaults applied when an option is not set.
const (
	DefaultSchema          = "public"
	DefaultCopyOptions     = "CSV"
	DefaultSplit           = ","
	DefaultHeaderLineCount = 1
	DefaultWorkers         = 1
	DefaultBatchSize       = 5000
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// Config describes one copy run: where rows come from, where they go and how
// the work is split.
type Config struct {
	File       string `yaml:"file"`
	Connection string `yaml:"connection"`
	DBName     string `yaml:"db_name"`
	Schema     string `yaml:"schema"`
	Table      string `yaml:"table"`
	Truncate   bool   `yaml:"truncate"`

	CopyOptions string `yaml:"copy_options"`
	Split       string `yaml:"split"`
	Quote       string `yaml:"quote"`
	Escape      string `yaml:"escape"`
	Columns     string `yaml:"columns"`

	SkipHeader      bool `yaml:"skip_header"`
	HeaderLineCount int  `yaml:"header_line_count"`

	Workers   int   `yaml:"workers"`
	Limit     int64 `yaml:"limit"`
	BatchSize int   `yaml:"batch_size"`
	QueueSize int   `yaml:"queue_size"`

	LogBatches      bool          `yaml:"log_batches"`
	ReportingPeriod time.Duration `yaml:"reporting_period"`
	Verbose         bool          `yaml:"verbose"`
	RowCount        int64         `yaml:"row_count"`

	BestEffort bool   `yaml:"best_effort"`
	Encoding   string `yaml:"encoding"`

	HistoryDB   string `yaml:"history_db"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Schema:          DefaultSchema,
		CopyOptions:     DefaultCopyOptions,
		Split:           DefaultSplit,
		HeaderLineCount: DefaultHeaderLineCount,
		Workers:         DefaultWorkers,
		BatchSize:       DefaultBatchSize,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
	}
}

// Load reads a YAML config file on top of the defaults. ${VAR} references
// are expanded from the environment before parsing. The result is not
// validated so that flags can still override it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, copyerr.New(copyerr.Config, fmt.Errorf("reading config file: %w", err))
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, copyerr.New(copyerr.Config, fmt.Errorf("parsing config file: %w", err))
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills options a config file explicitly left blank.
func (c *Config) applyDefaults() {
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.Split == "" {
		c.Split = DefaultSplit
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}

// Validate checks the configuration and returns a ConfigError describing the
// first problem found.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.File == "" {
		add("file is required")
	}
	if c.Connection == "" {
		add("connection is required")
	}
	if c.Table == "" {
		add("table is required")
	}
	if c.Workers < 1 {
		add("workers must be at least 1, got %d", c.Workers)
	}
	if c.BatchSize < 1 {
		add("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.SkipHeader && c.HeaderLineCount < 1 {
		add("header_line_count must be at least 1, got %d", c.HeaderLineCount)
	}
	if c.Limit < 0 {
		add("limit must not be negative, got %d", c.Limit)
	}
	if c.ReportingPeriod < 0 {
		add("reporting_period must not be negative, got %v", c.ReportingPeriod)
	}
	if c.QueueSize < 0 {
		add("queue_size must not be negative, got %d", c.QueueSize)
	}
	if c.RowCount < 0 {
		add("row_count must not be negative, got %d", c.RowCount)
	}
	if c.Split == "" {
		add("split must not be empty")
	} else if c.Split != db.TabSplit && len(c.Split) != 1 {
		add("split must be a single character, got %q", c.Split)
	}
	if len(c.Quote) > 1 {
		add("quote must be a single character, got %q", c.Quote)
	}
	if len(c.Escape) > 1 {
		add("escape must be a single character, got %q", c.Escape)
	}
	if _, err := source.LookupEncoding(c.Encoding); err != nil {
		add("unknown encoding %q", c.Encoding)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("invalid log_level %q", c.LogLevel)
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		add("log_format must be text or json, got %q", c.LogFormat)
	}

	if len(problems) == 0 {
		return nil
	}
	return copyerr.Newf(copyerr.Config, "invalid configuration: %s", strings.Join(problems, "; "))
}

// ColumnList returns the explicit column list, or nil for all columns.
func (c *Config) ColumnList() []string {
	return util.SplitCSV(c.Columns)
}

// Target resolves the database to connect to. Without db_name the database is
// inferred from the trailing path segment of the connection string.
func (c *Config) Target() db.Target {
	return db.ResolveTarget(c.Connection, c.DBName)
}

// CopyCommand returns the COPY statement every worker runs.
func (c *Config) CopyCommand() db.CopyCommand {
	return db.CopyCommand{
		Schema:  c.Schema,
		Table:   c.Table,
		Columns: c.ColumnList(),
		Split:   c.Split,
		Quote:   c.Quote,
		Escape:  c.Escape,
		Options: c.CopyOptions,
	}
}

// BatchOptions returns how the input is split into batches.
func (c *Config) BatchOptions() batch.Options {
	opts := batch.Options{
		Size:  c.BatchSize,
		Limit: c.Limit,
	}
	if c.SkipHeader {
		opts.Skip = c.HeaderLineCount
	}
	if c.Quote != "" {
		opts.Quote = c.Quote[0]
	} else if c.CopyCommand().IsCSV() {
		opts.Quote = '"'
	}
	if c.Escape != "" {
		opts.Escape = c.Escape[0]
	}
	return opts
}

// KeepTimings reports whether per-batch timings are needed for the run.
func (c *Config) KeepTimings() bool {
	return c.Verbose || c.LogBatches
}

// String summarizes the run for logs without the connection string, which
// may carry a password.
func (c *Config) String() string {
	return fmt.Sprintf("file=%s table=%s workers=%d batch_size=%d limit=%d truncate=%v",
		c.File, db.QualifyTable(c.Schema, c.Table), c.Workers, c.BatchSize, c.Limit, c.Truncate)
}
