// Package metrics provides Prometheus instrumentation for boostsql.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0}

var (
	// RowsProcessed counts total rows processed by each pipeline operator.
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boostsql_rows_processed_total",
		Help: "Total number of rows processed by operator",
	}, []string{"operator_id", "operator_name"})

	// BatchesProcessed counts total batches processed by each pipeline operator.
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boostsql_batches_processed_total",
		Help: "Total number of batches processed by operator",
	}, []string{"operator_id", "operator_name"})

	// BatchLatency tracks per-batch processing latency.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boostsql_batch_latency_seconds",
		Help:    "Latency of batch processing in seconds",
		Buckets: latencyBuckets,
	}, []string{"operator_id", "operator_name"})

	// Errors counts errors by operator.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boostsql_errors_total",
		Help: "Total number of errors by operator",
	}, []string{"operator_id", "operator_name"})

	// RowsScored counts rows scored by predict, per model path.
	RowsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boostsql_predict_rows_total",
		Help: "Total number of rows scored by predict",
	}, []string{"model"})

	// PredictLatency tracks flatten + inference time of one predict call.
	PredictLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boostsql_predict_latency_seconds",
		Help:    "Latency of one predict evaluation in seconds",
		Buckets: latencyBuckets,
	}, []string{"model"})

	// PredictErrors counts failed predict evaluations by error kind.
	PredictErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boostsql_predict_errors_total",
		Help: "Total number of failed predict evaluations",
	}, []string{"model", "kind"})

	// ModelLoads counts model file loads by outcome.
	ModelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boostsql_model_loads_total",
		Help: "Total number of model file loads",
	}, []string{"model", "result"})

	// ModelLoadSeconds tracks time spent parsing model files.
	ModelLoadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boostsql_model_load_seconds",
		Help:    "Time spent loading a model file in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// CachedModels reports the number of models held by the model cache.
	CachedModels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boostsql_cached_models",
		Help: "Number of models held in the model cache",
	})
)

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}
