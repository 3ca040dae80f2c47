package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/result"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/stats"
)

// recorder tracks what every fake connection received.
type recorder struct {
	mu      sync.Mutex
	seen    map[int64]int
	rows    int64
	opened  atomic.Int32
	closed  atomic.Int32
	failSeq map[int64]bool
	delay   time.Duration
}

func newRecorder(failSeqs ...int64) *recorder {
	r := &recorder{seen: make(map[int64]int), failSeq: make(map[int64]bool)}
	for _, s := range failSeqs {
		r.failSeq[s] = true
	}
	return r
}

type fakeWriter struct {
	rec   *recorder
	alive bool
}

func (w *fakeWriter) WriteBatch(ctx context.Context, b batch.Batch) (int64, error) {
	if w.rec.delay > 0 {
		time.Sleep(w.rec.delay)
	}
	w.rec.mu.Lock()
	defer w.rec.mu.Unlock()
	w.rec.seen[b.Seq]++
	if w.rec.failSeq[b.Seq] {
		return 0, fmt.Errorf("invalid input syntax for type integer in batch %d", b.Seq)
	}
	w.rec.rows += int64(b.Rows)
	return int64(b.Rows), nil
}

func (w *fakeWriter) Alive() bool { return w.alive }

func (w *fakeWriter) Close(ctx context.Context) error {
	w.rec.closed.Add(1)
	return nil
}

func connectTo(rec *recorder, failWorkers ...int) ConnectFunc {
	failing := make(map[int]bool)
	for _, id := range failWorkers {
		failing[id] = true
	}
	return func(ctx context.Context, id int) (Writer, error) {
		if failing[id] {
			return nil, errors.New("connection refused")
		}
		rec.opened.Add(1)
		return &fakeWriter{rec: rec, alive: true}, nil
	}
}

func makeBatch(seq int64, rows int) batch.Batch {
	data := make([][]byte, rows)
	for i := range data {
		data[i] = []byte(fmt.Sprintf("%d,%d\n", seq, i))
	}
	return batch.Batch{Seq: seq, Rows: rows, Data: data}
}

// produce queues n batches of size rows the way batch.Scan does, stopping
// early when the pool aborts, and closes the pool's queue.
func produce(p *Pool, n, rows int) int {
	defer p.Close()
	submitted := 0
	for i := 1; i <= n; i++ {
		select {
		case p.Queue() <- makeBatch(int64(i), rows):
			submitted++
		case <-p.Context().Done():
			return submitted
		}
	}
	return submitted
}

func TestPoolCopiesEveryBatchOnce(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			rec := newRecorder()
			agg := stats.NewAggregator(false, nil)
			p, err := New(context.Background(), Config{
				NumWorkers: workers,
				Connect:    connectTo(rec),
				Stats:      agg,
			})
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			p.Start()

			produce(p, 100, 25)
			if err := p.Wait(); err != nil {
				t.Fatalf("Wait() error: %v", err)
			}

			if got := agg.Snapshot().Rows; got != 2500 {
				t.Errorf("aggregated rows = %d, want 2500", got)
			}
			if rec.rows != 2500 {
				t.Errorf("copied rows = %d, want 2500", rec.rows)
			}
			for seq := int64(1); seq <= 100; seq++ {
				if rec.seen[seq] != 1 {
					t.Errorf("batch %d delivered %d times", seq, rec.seen[seq])
				}
			}
			if int(rec.opened.Load()) != workers || int(rec.closed.Load()) != workers {
				t.Errorf("opened %d / closed %d connections, want %d each", rec.opened.Load(), rec.closed.Load(), workers)
			}
		})
	}
}

func TestPoolBatchErrorIsFatal(t *testing.T) {
	rec := newRecorder(7)
	agg := stats.NewAggregator(false, nil)
	collector := result.NewCollector(false)
	p, err := New(context.Background(), Config{
		NumWorkers: 1,
		Connect:    connectTo(rec),
		Stats:      agg,
		Collector:  collector,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Start()

	produce(p, 50, 10)
	err = p.Wait()
	if err == nil {
		t.Fatal("Wait() = nil, want batch copy error")
	}

	var cerr *copyerr.Error
	if !errors.As(err, &cerr) || cerr.Kind != copyerr.BatchCopy || cerr.Seq != 7 {
		t.Fatalf("Wait() = %v, want BatchCopyError for batch 7", err)
	}
	// A single worker processes batches in order, so only batches 1-6 landed.
	if got := agg.Snapshot().Rows; got != 60 {
		t.Errorf("rows copied = %d, want 60", got)
	}
	if rec.seen[8] != 0 {
		t.Error("worker continued after a fatal batch error")
	}
	if p.Context().Err() == nil {
		t.Error("pool context should be cancelled after a fatal error")
	}
}

func TestPoolBestEffortContinues(t *testing.T) {
	rec := newRecorder(3, 9)
	agg := stats.NewAggregator(false, nil)
	collector := result.NewCollector(true)
	p, err := New(context.Background(), Config{
		NumWorkers: 3,
		Connect:    connectTo(rec),
		Stats:      agg,
		Collector:  collector,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Start()

	produce(p, 20, 5)
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait() = %v, want nil in best-effort mode", err)
	}
	if collector.ErrorCount() != 2 {
		t.Errorf("ErrorCount() = %d, want 2", collector.ErrorCount())
	}
	if got := agg.Snapshot().Rows; got != 90 {
		t.Errorf("rows copied = %d, want 90", got)
	}
}

func TestPoolSurvivesPartialConnectFailure(t *testing.T) {
	rec := newRecorder()
	agg := stats.NewAggregator(false, nil)
	collector := result.NewCollector(false)
	p, err := New(context.Background(), Config{
		NumWorkers: 4,
		Connect:    connectTo(rec, 0, 2),
		Stats:      agg,
		Collector:  collector,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Start()

	produce(p, 40, 10)
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait() = %v, want nil with two healthy workers", err)
	}
	if got := agg.Snapshot().Rows; got != 400 {
		t.Errorf("rows copied = %d, want 400", got)
	}
	if collector.ErrorCount() != 2 {
		t.Errorf("ErrorCount() = %d, want 2 connection errors", collector.ErrorCount())
	}
	for _, e := range collector.Errors() {
		if !copyerr.IsKind(e, copyerr.Connection) {
			t.Errorf("unexpected error kind: %v", e)
		}
	}
}

func TestPoolAllConnectionsFail(t *testing.T) {
	rec := newRecorder()
	p, err := New(context.Background(), Config{
		NumWorkers: 3,
		QueueSize:  1,
		Connect:    connectTo(rec, 0, 1, 2),
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Start()

	done := make(chan int, 1)
	go func() { done <- produce(p, 1000, 1) }()

	select {
	case submitted := <-done:
		if submitted >= 1000 {
			t.Errorf("producer submitted every batch with no consumers")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("producer deadlocked with no live workers")
	}

	err = p.Wait()
	if !copyerr.IsKind(err, copyerr.Connection) {
		t.Fatalf("Wait() = %v, want ConnectionError", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Wait() = %q, want the connect failure as cause", err)
	}
	if p.Abandoned() == 0 {
		t.Error("queued batches should be counted as abandoned")
	}
}

func TestPoolOnBatchCallback(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32
	p, err := New(context.Background(), Config{
		NumWorkers: 2,
		Connect:    connectTo(rec),
		OnBatch: func(bt stats.BatchTiming) {
			if bt.Rows != 4 {
				t.Errorf("callback rows = %d, want 4", bt.Rows)
			}
			calls.Add(1)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	produce(p, 10, 4)
	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 10 {
		t.Errorf("OnBatch called %d times, want 10", calls.Load())
	}
}

func TestPoolParentCancel(t *testing.T) {
	rec := newRecorder()
	rec.delay = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	p, err := New(ctx, Config{NumWorkers: 2, Connect: connectTo(rec)})
	if err != nil {
		t.Fatal(err)
	}
	p.Start()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	produce(p, 10000, 1)

	if err := p.Wait(); err != nil {
		t.Errorf("Wait() = %v; interruption is reported by the caller, not the pool", err)
	}
	if rec.closed.Load() != rec.opened.Load() {
		t.Errorf("opened %d connections but closed %d", rec.opened.Load(), rec.closed.Load())
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(context.Background(), Config{NumWorkers: 0, Connect: connectTo(newRecorder())}); !copyerr.IsKind(err, copyerr.Config) {
		t.Errorf("zero workers: got %v, want ConfigError", err)
	}
	if _, err := New(context.Background(), Config{NumWorkers: 1}); !copyerr.IsKind(err, copyerr.Config) {
		t.Errorf("missing connect: got %v, want ConfigError", err)
	}
}
