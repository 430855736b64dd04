// Package metrics provides Prometheus metrics for Constellation
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Constellation
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// HTTP gateway metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Find query metrics
	QueriesTotal        *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	QueryResultsTotal   *prometheus.CounterVec
	QueryWorkers        prometheus.Histogram
	WorkerFailuresTotal *prometheus.CounterVec

	// Selection metrics
	SelectionsTotal     prometheus.Counter
	StaleResultsSkipped prometheus.Counter

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	SavedStatesTotal       prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_http_requests_total",
			Help: "Total number of HTTP gateway requests",
		},
		[]string{"route", "code"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "constellation_http_request_duration_seconds",
			Help:    "HTTP gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "constellation_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "constellation_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_find_queries_total",
			Help: "Total number of find queries",
		},
		[]string{"mode", "element_type", "status"},
	)

	m.QueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "constellation_find_query_duration_seconds",
			Help:    "Duration of find queries in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"mode"},
	)

	m.QueryResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_find_results_total",
			Help: "Total number of find results returned",
		},
		[]string{"mode"},
	)

	m.QueryWorkers = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "constellation_find_query_workers",
			Help:    "Number of workers used per quick query",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		},
	)

	m.WorkerFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_find_worker_failures_total",
			Help: "Total number of query workers that failed",
		},
		[]string{"mode"},
	)

	m.SelectionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "constellation_selections_total",
			Help: "Total number of elements selected from find results",
		},
	)

	m.StaleResultsSkipped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "constellation_stale_results_skipped_total",
			Help: "Total number of find results skipped because their element changed",
		},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "constellation_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.SavedStatesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "constellation_saved_states_total",
			Help: "Total number of find states saved",
		},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "constellation_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge every interval until ctx is done
func (m *Metrics) RunUptime(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		}
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP gateway request with its response code
func (m *Metrics) RecordHTTPRequest(route string, code int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordStoreOperation records a store operation
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.StoreOperationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveQuery records a completed find query
func (m *Metrics) ObserveQuery(mode, elementType string, workers, results int, elapsed time.Duration, err error) {
	m.QueriesTotal.WithLabelValues(mode, elementType, status(err)).Inc()
	m.QueryDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	m.QueryResultsTotal.WithLabelValues(mode).Add(float64(results))
	if mode == "quick" && workers > 0 {
		m.QueryWorkers.Observe(float64(workers))
	}
}

// ObserveWorkerFailure records a query worker that failed
func (m *Metrics) ObserveWorkerFailure(mode string) {
	m.WorkerFailuresTotal.WithLabelValues(mode).Inc()
}

// ObserveSelection records an applied selection
func (m *Metrics) ObserveSelection(selected, stale int) {
	m.SelectionsTotal.Add(float64(selected))
	m.StaleResultsSkipped.Add(float64(stale))
}

// RecordSavedState counts a persisted find state
func (m *Metrics) RecordSavedState() {
	m.SavedStatesTotal.Inc()
}
