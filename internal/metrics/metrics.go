// Package metrics provides Prometheus metrics for patch runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a run.
type Metrics struct {
	// Record metrics
	RecordsSeen    *prometheus.CounterVec
	RecordsPatched *prometheus.CounterVec
	RecordsChanged *prometheus.CounterVec
	RecordsCreated *prometheus.CounterVec
	RecordsSaved   *prometheus.CounterVec
	RecordsFailed  *prometheus.CounterVec
	RecordsSkipped *prometheus.CounterVec

	// Timing metrics
	RecordDuration *prometheus.HistogramVec
	SaveDuration   *prometheus.HistogramVec

	// Pipeline metrics
	WorkerQueueDepth *prometheus.GaugeVec
	InFlightRecords  prometheus.Gauge

	// Error metrics
	RetryAttempts *prometheus.CounterVec
	VerifyErrors  *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(namespace, prometheus.DefaultRegisterer)
	return defaultMetrics
}

// New creates metrics registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "patchdb"
	}
	f := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	return &Metrics{
		RecordsSeen:    counter("records_seen_total", "Records claimed by this run", "strategy"),
		RecordsPatched: counter("records_patched_total", "Records that passed the filters and were patched", "strategy"),
		RecordsChanged: counter("records_changed_total", "Records whose patch produced a diff", "strategy"),
		RecordsCreated: counter("records_created_total", "Records created by a strategy", "strategy"),
		RecordsSaved:   counter("records_saved_total", "Records written to the store", "strategy"),
		RecordsFailed:  counter("records_failed_total", "Records that ended in an error", "strategy", "kind"),
		RecordsSkipped: counter("records_skipped_total", "Records rejected by a filter predicate", "strategy", "predicate"),
		RecordDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "record_duration_seconds",
				Help:      "Time to fetch, filter and patch one record",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"strategy"},
		),
		SaveDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "save_duration_seconds",
				Help:      "Time to write one record including retries",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"backend"},
		),
		WorkerQueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Ids waiting in a worker queue",
			},
			[]string{"worker"},
		),
		InFlightRecords: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_records",
				Help:      "Records currently being processed",
			},
		),
		RetryAttempts: counter("retry_attempts_total", "Total number of retry attempts", "operation"),
		VerifyErrors:  counter("verify_errors_total", "Verification reads that did not find the expected text", "strategy"),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Serve exposes /metrics and /health on address until ctx is done.
func Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// IncRecordsSeen increments the claimed records counter.
func (m *Metrics) IncRecordsSeen(strategy string) {
	m.RecordsSeen.WithLabelValues(strategy).Inc()
}

// IncRecordsPatched increments the patched records counter.
func (m *Metrics) IncRecordsPatched(strategy string) {
	m.RecordsPatched.WithLabelValues(strategy).Inc()
}

// IncRecordsChanged increments the changed records counter.
func (m *Metrics) IncRecordsChanged(strategy string) {
	m.RecordsChanged.WithLabelValues(strategy).Inc()
}

// IncRecordsCreated increments the created records counter.
func (m *Metrics) IncRecordsCreated(strategy string) {
	m.RecordsCreated.WithLabelValues(strategy).Inc()
}

// IncRecordsSaved increments the saved records counter.
func (m *Metrics) IncRecordsSaved(strategy string) {
	m.RecordsSaved.WithLabelValues(strategy).Inc()
}

// IncRecordsFailed increments the failed records counter. kind is
// "record" or "fatal".
func (m *Metrics) IncRecordsFailed(strategy, kind string) {
	m.RecordsFailed.WithLabelValues(strategy, kind).Inc()
}

// IncRecordsSkipped increments the filtered-out counter for a predicate.
func (m *Metrics) IncRecordsSkipped(strategy, predicate string) {
	m.RecordsSkipped.WithLabelValues(strategy, predicate).Inc()
}

// ObserveRecordDuration records the time spent on one record.
func (m *Metrics) ObserveRecordDuration(strategy string, seconds float64) {
	m.RecordDuration.WithLabelValues(strategy).Observe(seconds)
}

// ObserveSaveDuration records the time spent writing one record.
func (m *Metrics) ObserveSaveDuration(backend string, seconds float64) {
	m.SaveDuration.WithLabelValues(backend).Observe(seconds)
}

// SetWorkerQueueDepth sets the queue depth of one worker.
func (m *Metrics) SetWorkerQueueDepth(worker string, depth float64) {
	m.WorkerQueueDepth.WithLabelValues(worker).Set(depth)
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// IncVerifyErrors increments the verification error counter.
func (m *Metrics) IncVerifyErrors(strategy string) {
	m.VerifyErrors.WithLabelValues(strategy).Inc()
}
