package stats

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Reporter periodically prints the row rate. It only reads the aggregator's
// atomics, so it never blocks a worker.
type Reporter struct {
	agg      *Aggregator
	period   time.Duration
	expected int64

	mu  sync.Mutex
	out io.Writer

	prevTime time.Time
	prevRows int64
}

// NewReporter reports every period to out. expected is the total row count
// the caller anticipates, or 0 when unknown.
func NewReporter(agg *Aggregator, period time.Duration, expected int64, out io.Writer) *Reporter {
	return &Reporter{
		agg:      agg,
		period:   period,
		expected: expected,
		out:      out,
		prevTime: agg.Start(),
	}
}

// Run prints a report every period until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	if r.period <= 0 {
		return
	}
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Report(now)
		}
	}
}

// Report prints one period line as of now.
func (r *Reporter) Report(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.agg.rows.Load()
	line := FormatPeriod(now.Sub(r.agg.Start()), rows-r.prevRows, now.Sub(r.prevTime), rows, r.expected)
	r.prevRows = rows
	r.prevTime = now
	fmt.Fprintln(r.out, line)
}

// FormatPeriod renders an intermediate throughput line.
func FormatPeriod(elapsed time.Duration, periodRows int64, period time.Duration, totalRows, expected int64) string {
	var periodRate, overallRate float64
	if period > 0 {
		periodRate = float64(periodRows) / period.Seconds()
	}
	if elapsed > 0 {
		overallRate = float64(totalRows) / elapsed.Seconds()
	}

	line := fmt.Sprintf("at %v, row rate %0.2f/sec (period), row rate %0.2f/sec (overall), %E total rows",
		elapsed-(elapsed%time.Second), periodRate, overallRate, float64(totalRows))
	if expected > 0 {
		line += fmt.Sprintf(" (%0.1f%% of %d)", 100*float64(totalRows)/float64(expected), expected)
	}
	return line
}

// FormatBatch renders the per-batch diagnostic line.
func FormatBatch(t BatchTiming) string {
	return fmt.Sprintf("[BATCH] worker %d, batch %d took %v, batch size %d, row rate %f/sec",
		t.Worker, t.Seq, t.Took, t.Rows, t.RowRate())
}

// Summary is the data printed at the end of a run.
type Summary struct {
	Rows    int64
	Batches int64
	Elapsed time.Duration
	Workers int
	Errors  int

	// PerWorker and PerBatch are only printed in verbose mode.
	PerWorker []WorkerStats
	PerBatch  []BatchTiming
}

// RowRate returns the mean rows per second for the run.
func (s Summary) RowRate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Rows) / s.Elapsed.Seconds()
}

// Write prints the final report. The first line is always "COPY <rows>".
func (s Summary) Write(w io.Writer, verbose bool) {
	line := fmt.Sprintf("COPY %d", s.Rows)
	if verbose {
		line += fmt.Sprintf(", took %v with %d worker(s) (mean rate %f/sec)", s.Elapsed, s.Workers, s.RowRate())
	}
	if s.Errors > 0 {
		line += fmt.Sprintf(", %d error(s)", s.Errors)
	}
	fmt.Fprintln(w, line)

	if !verbose {
		return
	}
	fmt.Fprintf(w, "%d batch(es) copied\n", s.Batches)
	for _, ws := range s.PerWorker {
		var rate float64
		if ws.Busy > 0 {
			rate = float64(ws.Rows) / ws.Busy.Seconds()
		}
		fmt.Fprintf(w, "  worker %d: %d rows in %d batch(es), busy %v (%0.2f rows/sec)\n",
			ws.Worker, ws.Rows, ws.Batches, ws.Busy.Round(time.Millisecond), rate)
	}
	for _, bt := range s.PerBatch {
		fmt.Fprintf(w, "  batch %d: worker %d, %d rows, %v\n", bt.Seq, bt.Worker, bt.Rows, bt.Took.Round(time.Millisecond))
	}
}
