// Package stats accumulates copy throughput across workers and renders the
// periodic and final reports.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BatchTiming records one completed batch.
type BatchTiming struct {
	Worker int
	Seq    int64
	Rows   int64
	Bytes  int
	Start  time.Time
	Took   time.Duration
}

// RowRate returns rows per second for the batch.
func (b BatchTiming) RowRate() float64 {
	if b.Took <= 0 {
		return 0
	}
	return float64(b.Rows) / b.Took.Seconds()
}

// WorkerStats totals the batches completed by one worker.
type WorkerStats struct {
	Worker  int
	Rows    int64
	Batches int64
	Busy    time.Duration
}

// Snapshot is a point-in-time read of the aggregator.
type Snapshot struct {
	Rows    int64
	Batches int64
	Elapsed time.Duration
}

// RowRate returns the mean rows per second since the start of the run.
func (s Snapshot) RowRate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Rows) / s.Elapsed.Seconds()
}

// Aggregator is safe for concurrent use by all workers. Row and batch counts
// are atomics so the reporter never contends with workers; per-worker totals
// and optional per-batch timings sit behind a mutex.
type Aggregator struct {
	start   time.Time
	rows    atomic.Int64
	batches atomic.Int64

	keepTimings bool
	metrics     *Metrics

	mu      sync.Mutex
	workers map[int]*WorkerStats
	timings []BatchTiming
}

// NewAggregator starts the run clock. keepTimings retains every BatchTiming
// for the verbose summary; metrics may be nil.
func NewAggregator(keepTimings bool, metrics *Metrics) *Aggregator {
	return &Aggregator{
		start:       time.Now(),
		keepTimings: keepTimings,
		metrics:     metrics,
		workers:     make(map[int]*WorkerStats),
	}
}

// Start returns when the run clock started.
func (a *Aggregator) Start() time.Time {
	return a.start
}

// AddBatch records a batch acknowledged by the database.
func (a *Aggregator) AddBatch(t BatchTiming) {
	a.rows.Add(t.Rows)
	a.batches.Add(1)
	a.metrics.ObserveBatch(t.Rows, t.Bytes, t.Took)

	a.mu.Lock()
	defer a.mu.Unlock()
	ws, ok := a.workers[t.Worker]
	if !ok {
		ws = &WorkerStats{Worker: t.Worker}
		a.workers[t.Worker] = ws
	}
	ws.Rows += t.Rows
	ws.Batches++
	ws.Busy += t.Took
	if a.keepTimings {
		a.timings = append(a.timings, t)
	}
}

// Snapshot returns rows and batches copied so far and the elapsed time.
func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		Rows:    a.rows.Load(),
		Batches: a.batches.Load(),
		Elapsed: time.Since(a.start),
	}
}

// Workers returns per-worker totals ordered by worker id.
func (a *Aggregator) Workers() []WorkerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]WorkerStats, 0, len(a.workers))
	for _, ws := range a.workers {
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

// Timings returns retained batch timings ordered by sequence number.
func (a *Aggregator) Timings() []BatchTiming {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]BatchTiming, len(a.timings))
	copy(out, a.timings)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
