package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/logging"
)

const metricsPrefix = "tsdb_parallel_copy_"

// Metrics exposes run counters to Prometheus. Each run gets its own registry
// so several runs in one process do not collide. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	rows          prometheus.Counter
	bytes         prometheus.Counter
	batches       prometheus.Counter
	errors        *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	batchDuration prometheus.Histogram
}

// NewMetrics registers the collectors, labelled with the destination table.
func NewMetrics(table string) *Metrics {
	labels := prometheus.Labels{"table": table}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricsPrefix + "rows_total",
			Help:        "Rows acknowledged by the database",
			ConstLabels: labels,
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricsPrefix + "bytes_total",
			Help:        "Raw input bytes streamed through COPY",
			ConstLabels: labels,
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricsPrefix + "batches_total",
			Help:        "Batches acknowledged by the database",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        metricsPrefix + "errors_total",
			Help:        "Failures by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        metricsPrefix + "active_workers",
			Help:        "Workers holding an open connection",
			ConstLabels: labels,
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        metricsPrefix + "batch_duration_seconds",
			Help:        "Time to stream and acknowledge one batch",
			ConstLabels: labels,
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
	m.registry.MustRegister(m.rows, m.bytes, m.batches, m.errors, m.activeWorkers, m.batchDuration)
	return m
}

// ObserveBatch records a completed batch.
func (m *Metrics) ObserveBatch(rows int64, bytes int, took time.Duration) {
	if m == nil {
		return
	}
	m.rows.Add(float64(rows))
	m.bytes.Add(float64(bytes))
	m.batches.Inc()
	m.batchDuration.Observe(took.Seconds())
}

// ObserveError counts a failure of the given kind.
func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// WorkerStarted and WorkerStopped track connected workers.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
