// Package result collects worker outcomes into the final result of a run.
package result

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
)

// Status values reported for a finished run.
const (
	StatusSuccess             = "success"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
)

// Collector is safe for concurrent use. The first fatal error wins; every
// error, fatal or not, is kept for the summary.
type Collector struct {
	bestEffort bool

	mu    sync.Mutex
	first error
	all   *multierror.Error
}

// NewCollector creates a collector. In best-effort mode batch copy errors are
// recorded but do not fail the run.
func NewCollector(bestEffort bool) *Collector {
	return &Collector{bestEffort: bestEffort}
}

// Record stores err and reports whether it is fatal for the run.
func (c *Collector) Record(err error) bool {
	if err == nil {
		return false
	}
	fatal := copyerr.Fatal(err, c.bestEffort)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = multierror.Append(c.all, err)
	if fatal && c.first == nil {
		c.first = err
	}
	return fatal
}

// Fail records err as fatal regardless of its kind, e.g. when no worker is
// left to make progress.
func (c *Collector) Fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = multierror.Append(c.all, err)
	if c.first == nil {
		c.first = err
	}
}

// Err returns the first fatal error, or nil.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first
}

// FirstOf returns the earliest recorded error of any of kinds, or nil.
func (c *Collector) FirstOf(kinds ...copyerr.Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all == nil {
		return nil
	}
	for _, err := range c.all.Errors {
		k := copyerr.KindOf(err)
		for _, want := range kinds {
			if k == want {
				return err
			}
		}
	}
	return nil
}

// Errors returns every recorded error in arrival order.
func (c *Collector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all == nil {
		return nil
	}
	out := make([]error, len(c.all.Errors))
	copy(out, c.all.Errors)
	return out
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all == nil {
		return 0
	}
	return len(c.all.Errors)
}

// Combined returns all recorded errors as one error, or nil.
func (c *Collector) Combined() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.all.ErrorOrNil()
}

// Result is the immutable outcome of a run.
type Result struct {
	RunID     string
	StartedAt time.Time
	Elapsed   time.Duration
	Workers   int
	RowsRead  int64
	Rows      int64
	Batches   int64
	Errors    []error

	// Abandoned counts batches read but never copied because the run aborted.
	Abandoned int64

	// Err is the first fatal error; nil means the run succeeded.
	Err error
}

// Status classifies the run.
func (r *Result) Status() string {
	switch {
	case r.Err != nil:
		return StatusFailed
	case len(r.Errors) > 0:
		return StatusCompletedWithErrors
	default:
		return StatusSuccess
	}
}

// RowRate returns the mean rows per second.
func (r *Result) RowRate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Rows) / r.Elapsed.Seconds()
}
