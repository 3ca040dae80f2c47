package progress

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker renders copy progress against an expected total row count.
// A Tracker without a total only counts.
type Tracker struct {
	bar     *progressbar.ProgressBar
	total   int64
	current atomic.Int64
	out     io.Writer
}

// New creates a tracker that draws to out (stderr when nil).
func New(out io.Writer) *Tracker {
	if out == nil {
		out = os.Stderr
	}
	return &Tracker{out: out}
}

// SetTotal sets the expected number of rows and creates the bar.
func (t *Tracker) SetTotal(total int64) {
	if total <= 0 {
		return
	}
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription("Copying"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Total returns the expected row count, 0 if unknown.
func (t *Tracker) Total() int64 {
	return t.total
}

// Add increments the progress counter
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish completes the bar and moves to a fresh line.
func (t *Tracker) Finish() {
	if t.bar == nil {
		return
	}
	t.bar.Finish()
	io.WriteString(t.out, "\n")
}
