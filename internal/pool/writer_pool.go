// Package pool runs the copy workers. Each worker owns one database
// connection for its whole life and drains batches from a shared bounded queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/logging"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/progress"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/result"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/stats"
)

// queueMultiplier sizes the default batch queue relative to the worker count.
// Memory in flight is roughly (queue size + workers) * batch size rows.
const queueMultiplier = 2

// Writer is a worker's dedicated connection.
type Writer interface {
	// WriteBatch streams one batch and returns the acknowledged row count.
	WriteBatch(ctx context.Context, b batch.Batch) (int64, error)

	// Alive reports whether the connection can take another batch.
	Alive() bool

	Close(ctx context.Context) error
}

// ConnectFunc opens the connection for one worker.
type ConnectFunc func(ctx context.Context, workerID int) (Writer, error)

// Config holds the configuration for creating a worker pool.
type Config struct {
	NumWorkers int
	QueueSize  int // 0 means NumWorkers*queueMultiplier
	Connect    ConnectFunc

	Stats     *stats.Aggregator
	Collector *result.Collector
	Metrics   *stats.Metrics
	Prog      *progress.Tracker

	// OnBatch, when set, is called after every successful batch.
	OnBatch func(stats.BatchTiming)
}

// Pool is the consumer side of a copy run.
type Pool struct {
	numWorkers int
	connect    ConnectFunc
	agg        *stats.Aggregator
	collector  *result.Collector
	metrics    *stats.Metrics
	prog       *progress.Tracker
	onBatch    func(stats.BatchTiming)

	queue     chan batch.Batch
	closeOnce sync.Once

	// parent bounds each COPY; ctx is cancelled on a fatal error so idle
	// workers stop while busy ones finish their current batch.
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	alive     atomic.Int32 // workers not yet stopped abnormally
	abandoned atomic.Int64 // batches dropped after an abort
	started   bool
}

// New creates a pool. Workers are not started until Start is called.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.NumWorkers < 1 {
		return nil, copyerr.Newf(copyerr.Config, "worker count must be at least 1, got %d", cfg.NumWorkers)
	}
	if cfg.Connect == nil {
		return nil, copyerr.Newf(copyerr.Config, "pool requires a connect function")
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = cfg.NumWorkers * queueMultiplier
	}
	agg := cfg.Stats
	if agg == nil {
		agg = stats.NewAggregator(false, cfg.Metrics)
	}
	collector := cfg.Collector
	if collector == nil {
		collector = result.NewCollector(false)
	}

	poolCtx, cancel := context.WithCancel(ctx)
	logging.Debug("Pool: %d workers, queue capacity %d batches", cfg.NumWorkers, queueSize)

	return &Pool{
		numWorkers: cfg.NumWorkers,
		connect:    cfg.Connect,
		agg:        agg,
		collector:  collector,
		metrics:    cfg.Metrics,
		prog:       cfg.Prog,
		onBatch:    cfg.OnBatch,
		queue:      make(chan batch.Batch, queueSize),
		parent:     ctx,
		ctx:        poolCtx,
		cancel:     cancel,
	}, nil
}

// Start launches exactly NumWorkers workers.
func (p *Pool) Start() {
	if p.started {
		return
	}
	p.started = true
	p.alive.Store(int32(p.numWorkers))
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Queue returns the send side of the batch queue for batch.Scan.
func (p *Pool) Queue() chan<- batch.Batch {
	return p.queue
}

// Close marks the end of input. Workers exit once the queue is drained.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.queue) })
}

// Wait closes the queue if needed and blocks until every worker has exited.
// It returns the first fatal error recorded during the run.
func (p *Pool) Wait() error {
	p.Close()
	p.wg.Wait()

	// Batches still queued after an abort are never copied.
	for b := range p.queue {
		p.abandoned.Add(1)
		logging.Debug("Abandoned batch %d (%d rows)", b.Seq, b.Rows)
	}
	if n := p.abandoned.Load(); n > 0 {
		logging.Warn("%d batch(es) were not copied because the run was aborted", n)
	}
	p.cancel()
	return p.collector.Err()
}

// Context is cancelled when the run is aborted.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Abort stops the pool; busy workers finish their current batch first.
func (p *Pool) Abort() {
	p.cancel()
}

// Abandoned returns the number of batches dropped after an abort.
func (p *Pool) Abandoned() int64 {
	return p.abandoned.Load()
}

// NumWorkers returns the configured number of workers.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// stopAbnormally is called when a worker exits before the queue is closed and
// drained. When it was the last one, nobody is left to consume the queue.
func (p *Pool) stopAbnormally() {
	if p.alive.Add(-1) > 0 || p.ctx.Err() != nil {
		return
	}
	msg := fmt.Sprintf("all %d worker(s) stopped before the input was fully copied", p.numWorkers)
	err := errors.New(msg)
	if cause := p.collector.FirstOf(copyerr.Connection, copyerr.BatchCopy); cause != nil {
		err = fmt.Errorf("%s: %w", msg, cause)
	}
	p.collector.Fail(copyerr.New(copyerr.Connection, err))
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	w, err := p.connect(p.ctx, id)
	if err != nil {
		cerr := copyerr.ForWorker(copyerr.Connection, id, err)
		if errors.Is(err, context.Canceled) && p.ctx.Err() != nil {
			logging.Debug("Worker %d: aborted before connecting", id)
		} else {
			p.collector.Record(cerr)
			p.metrics.ObserveError(copyerr.Connection.String())
			logging.Error("%v", cerr)
		}
		p.stopAbnormally()
		return
	}
	p.metrics.WorkerStarted()
	defer func() {
		p.metrics.WorkerStopped()
		if err := w.Close(context.Background()); err != nil {
			logging.Debug("Worker %d: closing connection: %v", id, err)
		}
	}()

	for {
		var (
			b  batch.Batch
			ok bool
		)
		select {
		case <-p.ctx.Done():
			p.stopAbnormally()
			return
		case b, ok = <-p.queue:
		}
		if !ok {
			return
		}
		if p.ctx.Err() != nil {
			p.abandoned.Add(1)
			p.stopAbnormally()
			return
		}

		if !p.copyBatch(id, w, b) {
			p.stopAbnormally()
			return
		}
	}
}

// copyBatch runs one batch and reports whether the worker should continue.
func (p *Pool) copyBatch(id int, w Writer, b batch.Batch) bool {
	// COPY consumes b.Data.
	size := b.Bytes()
	start := time.Now()
	rows, err := w.WriteBatch(p.parent, b)
	took := time.Since(start)

	if err != nil {
		if p.parent.Err() != nil {
			p.abandoned.Add(1)
			logging.Debug("Worker %d: batch %d interrupted: %v", id, b.Seq, err)
			return false
		}
		berr := copyerr.ForBatch(copyerr.BatchCopy, id, b.Seq, err)
		fatal := p.collector.Record(berr)
		p.metrics.ObserveError(copyerr.BatchCopy.String())
		logging.Error("%v", berr)
		if fatal {
			p.cancel()
			return false
		}
		if !w.Alive() {
			logging.Warn("Worker %d: connection lost, stopping", id)
			return false
		}
		return true
	}

	if rows != int64(b.Rows) {
		logging.Debug("Worker %d: batch %d acknowledged %d rows, sent %d", id, b.Seq, rows, b.Rows)
	}
	t := stats.BatchTiming{Worker: id, Seq: b.Seq, Rows: rows, Bytes: size, Start: start, Took: took}
	p.agg.AddBatch(t)
	if p.prog != nil {
		p.prog.Add(rows)
	}
	if p.onBatch != nil {
		p.onBatch(t)
	}
	return true
}

// String describes the pool for debug logs.
func (p *Pool) String() string {
	return fmt.Sprintf("pool(workers=%d, alive=%d, queued=%d)", p.numWorkers, p.alive.Load(), len(p.queue))
}
