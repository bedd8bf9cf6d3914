// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the Prometheus series this host exposes: its
// auxiliary HTTP surface plus the RPC router, component engine, provider
// supervisor, and claims/link store.
type Collector struct {
	// HTTP metrics (auxiliary health/metrics/config surface).
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// RPC router metrics.
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	// Component engine metrics.
	engineInvokesTotal *prometheus.CounterVec
	engineDeadlines    *prometheus.CounterVec

	// Provider supervisor metrics.
	linkOpsTotal *prometheus.CounterVec

	// Claims & link store metrics.
	storeCacheHits   *prometheus.CounterVec
	storeCacheMisses *prometheus.CounterVec
	storeWriteRetry  *prometheus.CounterVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector builds and registers every series under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of auxiliary HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Auxiliary HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "Auxiliary HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Auxiliary HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of invocations handled by the RPC router",
		},
		[]string{"operation", "outcome"}, // outcome: ok, unauthorized, not_found, timeout, error
	)

	c.invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Invocation round-trip duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"operation"},
	)

	c.engineInvokesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_invokes_total",
			Help:      "Total number of component export invocations",
		},
		[]string{"component_id", "export", "success"},
	)

	c.engineDeadlines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_execution_deadlines_total",
			Help:      "Total number of invocations aborted by the epoch deadline",
		},
		[]string{"component_id"},
	)

	c.linkOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_operations_total",
			Help:      "Total number of link put/delete operations applied by the provider supervisor",
		},
		[]string{"provider_id", "op"}, // op: put, delete
	)

	c.storeCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_cache_hits_total",
			Help:      "Total number of claims/link store reads served from the local cache",
		},
		[]string{"namespace"},
	)

	c.storeCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_cache_misses_total",
			Help:      "Total number of claims/link store reads that missed the local cache",
		},
		[]string{"namespace"},
	)

	c.storeWriteRetry = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_retries_total",
			Help:      "Total number of claims/link store write retries",
		},
		[]string{"namespace"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one auxiliary HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordInvocation records one invocation handled by the RPC router.
func (c *Collector) RecordInvocation(operation, outcome string, duration time.Duration) {
	c.invocationsTotal.WithLabelValues(operation, outcome).Inc()
	c.invocationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEngineInvoke records one component export invocation.
func (c *Collector) RecordEngineInvoke(componentID, export string, success bool) {
	c.engineInvokesTotal.WithLabelValues(componentID, export, boolLabel(success)).Inc()
}

// RecordExecutionDeadline records one invocation aborted by the epoch deadline.
func (c *Collector) RecordExecutionDeadline(componentID string) {
	c.engineDeadlines.WithLabelValues(componentID).Inc()
}

// RecordLinkOp records one link put/delete applied by the provider supervisor.
func (c *Collector) RecordLinkOp(providerID, op string) {
	c.linkOpsTotal.WithLabelValues(providerID, op).Inc()
}

// RecordStoreCacheHit records a claims/link store read served from cache.
func (c *Collector) RecordStoreCacheHit(namespace string) {
	c.storeCacheHits.WithLabelValues(namespace).Inc()
}

// RecordStoreCacheMiss records a claims/link store read that missed cache.
func (c *Collector) RecordStoreCacheMiss(namespace string) {
	c.storeCacheMisses.WithLabelValues(namespace).Inc()
}

// RecordStoreWriteRetry records one retried claims/link store write.
func (c *Collector) RecordStoreWriteRetry(namespace string) {
	c.storeWriteRetry.WithLabelValues(namespace).Inc()
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
