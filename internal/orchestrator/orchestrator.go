// Package orchestrator runs one parallel copy from start to finish: prepare the
// destination table, scan the input into batches, fan them out to the worker
// pool, then report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/db"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/history"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/logging"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/pool"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/progress"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/result"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/source"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/stats"
)

// Connector opens the database connections a run needs.
type Connector interface {
	// Writer opens the dedicated connection of one worker.
	Writer(ctx context.Context, workerID int) (pool.Writer, error)

	// Truncate empties the destination table using its own connection.
	Truncate(ctx context.Context) error
}

// pgConnector connects to PostgreSQL with pgx.
type pgConnector struct {
	target db.Target
	cmd    db.CopyCommand
}

func newPGConnector(cfg *config.Config) *pgConnector {
	return &pgConnector{target: cfg.Target(), cmd: cfg.CopyCommand()}
}

func (c *pgConnector) Writer(ctx context.Context, workerID int) (pool.Writer, error) {
	return db.NewWriter(ctx, c.target, c.cmd)
}

func (c *pgConnector) Truncate(ctx context.Context) error {
	conn, err := db.Connect(ctx, c.target)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	return conn.Truncate(ctx, c.cmd.Schema, c.cmd.Table)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConnector replaces the PostgreSQL connector.
func WithConnector(c Connector) Option {
	return func(o *Orchestrator) { o.connector = c }
}

// WithReportWriter sets where throughput reports and the summary are printed.
func WithReportWriter(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// WithProgressWriter sets where the progress bar is drawn.
func WithProgressWriter(w io.Writer) Option {
	return func(o *Orchestrator) { o.progOut = w }
}

// WithMetrics uses m instead of a fresh metrics registry.
func WithMetrics(m *stats.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHistory records the run in s instead of opening history_db.
func WithHistory(s *history.Store) Option {
	return func(o *Orchestrator) { o.history = s }
}

// Orchestrator coordinates a single copy run.
type Orchestrator struct {
	cfg       *config.Config
	connector Connector
	out       io.Writer
	progOut   io.Writer
	metrics   *stats.Metrics
	history   *history.Store
}

// New creates an orchestrator for cfg. The configuration is validated by Run.
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		out:     os.Stdout,
		progOut: os.Stderr,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.connector == nil {
		o.connector = newPGConnector(cfg)
	}
	if o.metrics == nil {
		o.metrics = stats.NewMetrics(cfg.Table)
	}
	return o
}

// Run copies the input file into the destination table. The returned Result
// is never nil; the error is the first fatal error of the run.
func (o *Orchestrator) Run(ctx context.Context) (*result.Result, error) {
	res := &result.Result{
		RunID:     history.NewRunID(),
		StartedAt: time.Now(),
		Workers:   o.cfg.Workers,
	}
	fail := func(err error) (*result.Result, error) {
		res.Err = err
		res.Errors = append(res.Errors, err)
		res.Elapsed = time.Since(res.StartedAt)
		return res, err
	}

	if err := o.cfg.Validate(); err != nil {
		return fail(err)
	}

	store, closeStore := o.openHistory()
	defer closeStore()
	if err := store.StartRun(ctx, history.Run{
		ID:        res.RunID,
		StartedAt: res.StartedAt,
		File:      o.cfg.File,
		Target:    db.QualifyTable(o.cfg.Schema, o.cfg.Table),
		Workers:   o.cfg.Workers,
		BatchSize: o.cfg.BatchSize,
	}); err != nil {
		logging.Warn("History: %v", err)
	}
	finish := func(res *result.Result) {
		for _, e := range res.Errors {
			if err := store.RecordBatchError(context.Background(), res.RunID, e); err != nil {
				logging.Warn("History: %v", err)
				break
			}
		}
		if err := store.FinishRun(context.Background(), res); err != nil {
			logging.Warn("History: %v", err)
		}
	}

	logging.Info("Starting copy %s: %s", res.RunID, o.cfg)

	// Open the input before touching the table.
	src, err := source.Open(o.cfg.File, o.cfg.Encoding)
	if err != nil {
		fail(err)
		finish(res)
		return res, err
	}
	defer src.Close()
	logging.Debug("Input %s: %d bytes on disk", o.cfg.File, src.Size())

	if o.cfg.Truncate {
		if err := o.prepare(ctx); err != nil {
			fail(err)
			finish(res)
			return res, err
		}
	}

	o.copy(ctx, src, res)
	finish(res)
	return res, res.Err
}

// prepare truncates the destination table.
func (o *Orchestrator) prepare(ctx context.Context) error {
	table := db.QualifyTable(o.cfg.Schema, o.cfg.Table)
	logging.Info("Truncating %s", table)
	if err := o.connector.Truncate(ctx); err != nil {
		return copyerr.New(copyerr.Prepare, fmt.Errorf("truncating %s: %w", table, err))
	}
	return nil
}

// copy runs the producer, the workers and the reporters, and fills res.
func (o *Orchestrator) copy(ctx context.Context, src io.Reader, res *result.Result) {
	cfg := o.cfg
	collector := result.NewCollector(cfg.BestEffort)
	agg := stats.NewAggregator(cfg.KeepTimings(), o.metrics)
	out := &syncWriter{w: o.out}

	prog := progress.New(o.progOut)
	prog.SetTotal(cfg.RowCount)

	var onBatch func(stats.BatchTiming)
	if cfg.LogBatches {
		onBatch = func(t stats.BatchTiming) {
			fmt.Fprintln(out, stats.FormatBatch(t))
		}
	}

	p, err := pool.New(ctx, pool.Config{
		NumWorkers: cfg.Workers,
		QueueSize:  cfg.QueueSize,
		Connect:    o.connector.Writer,
		Stats:      agg,
		Collector:  collector,
		Metrics:    o.metrics,
		Prog:       prog,
		OnBatch:    onBatch,
	})
	if err != nil {
		collector.Fail(err)
		o.complete(res, collector, agg, out)
		return
	}
	logging.Debug("Starting %s", p)
	p.Start()

	// Reporters run until the copy has joined.
	reportCtx, stopReports := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		stats.NewReporter(agg, cfg.ReportingPeriod, cfg.RowCount, out).Run(reportCtx)
		return nil
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := o.metrics.Serve(reportCtx, cfg.MetricsAddr); err != nil {
				logging.Warn("Metrics endpoint: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stopReports()
		res.RowsRead = o.produce(ctx, p, src, collector)
		return p.Wait()
	})
	g.Wait()
	res.Abandoned = p.Abandoned()

	prog.Finish()
	if copied := agg.Snapshot().Rows; collector.ErrorCount() == 0 && copied != res.RowsRead {
		logging.Warn("Read %d rows but the database acknowledged %d", res.RowsRead, copied)
	}
	if want := prog.Total(); want > 0 && collector.Err() == nil && res.RowsRead != want {
		logging.Warn("Expected %d rows (row_count) but the input held %d", want, res.RowsRead)
	}
	o.complete(res, collector, agg, out)
}

// produce scans the input into the pool's queue and closes it. It returns the
// number of rows handed to the pool.
func (o *Orchestrator) produce(ctx context.Context, p *pool.Pool, src io.Reader, collector *result.Collector) int64 {
	defer p.Close()

	read, err := batch.Scan(p.Context(), src, p.Queue(), o.cfg.BatchOptions())
	switch {
	case err == nil:
		logging.Debug("Input exhausted after %d rows", read)
	case ctx.Err() != nil:
		collector.Fail(fmt.Errorf("copy interrupted: %w", ctx.Err()))
	case p.Context().Err() != nil:
		// The pool aborted and already holds the cause.
		logging.Debug("Stopped reading after %d rows: %v", read, err)
	default:
		if copyerr.KindOf(err) == 0 {
			err = copyerr.New(copyerr.IO, fmt.Errorf("reading input: %w", err))
		}
		collector.Record(err)
		logging.Error("%v", err)
		p.Abort()
	}
	return read
}

// complete fills res from the run's collectors and prints the summary.
func (o *Orchestrator) complete(res *result.Result, collector *result.Collector, agg *stats.Aggregator, out io.Writer) {
	snap := agg.Snapshot()
	res.Elapsed = time.Since(res.StartedAt)
	res.Rows = snap.Rows
	res.Batches = snap.Batches
	res.Errors = collector.Errors()
	res.Err = collector.Err()

	summary := stats.Summary{
		Rows:    snap.Rows,
		Batches: snap.Batches,
		Elapsed: snap.Elapsed,
		Workers: o.cfg.Workers,
		Errors:  len(res.Errors),
	}
	if o.cfg.Verbose {
		summary.PerWorker = agg.Workers()
		summary.PerBatch = agg.Timings()
	}
	summary.Write(out, o.cfg.Verbose)

	switch res.Status() {
	case result.StatusSuccess:
		logging.Info("Copy %s finished: %d rows in %v", res.RunID, res.Rows, res.Elapsed.Round(time.Millisecond))
	case result.StatusCompletedWithErrors:
		logging.Warn("Copy %s completed with errors, %d rows copied: %v", res.RunID, res.Rows, collector.Combined())
	default:
		logging.Error("Copy %s failed after %d rows: %v", res.RunID, res.Rows, res.Err)
	}
}

// openHistory returns the run ledger and a function that releases it.
func (o *Orchestrator) openHistory() (*history.Store, func()) {
	if o.history != nil {
		return o.history, func() {}
	}
	store, err := history.Open(o.cfg.HistoryDB)
	if err != nil {
		logging.Warn("Run history disabled: %v", err)
		return nil, func() {}
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logging.Debug("Closing history: %v", err)
		}
	}
}

// syncWriter serializes report lines written by concurrent workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// IsInterrupted reports whether err comes from a cancelled run.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
