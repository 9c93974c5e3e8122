// Package metrics provides Prometheus metrics for the coin ledger service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the ledger service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Ledger metrics
	ledgerOperations     *prometheus.CounterVec
	ledgerLatency        *prometheus.HistogramVec
	transactionRetries   *prometheus.CounterVec
	transactionExhausted *prometheus.CounterVec
	coinsCredited        *prometheus.CounterVec
	coinsDebited         *prometheus.CounterVec
	featuresExpired      prometheus.Counter

	// Delivery metrics
	deliveriesDuplicate prometheus.Counter

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue Metrics
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueueErrors *prometheus.CounterVec

	// Worker Metrics
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "coinledger",
		subsystem:        "ledger",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every metric definition
	auto := promauto.With(m.registry)

	m.ledgerOperations = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "operations_total",
			Help:      "Ledger operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.ledgerLatency = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "operation_duration_milliseconds",
			Help:      "Ledger operation latency in milliseconds, retries included",
			Buckets:   m.histogramBuckets,
		},
		[]string{"operation"},
	)

	m.transactionRetries = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "transaction_retries_total",
			Help:      "Store transactions retried after an optimistic conflict",
		},
		[]string{"operation"},
	)

	m.transactionExhausted = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "transaction_conflicts_exhausted_total",
			Help:      "Store transactions abandoned after the retry budget ran out",
		},
		[]string{"operation"},
	)

	m.coinsCredited = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "coins_credited_total",
			Help:      "Coins credited to balances by source",
		},
		[]string{"source"},
	)

	m.coinsDebited = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "coins_debited_total",
			Help:      "Coins debited from balances by feature",
		},
		[]string{"feature"},
	)

	m.featuresExpired = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "features_expired_total",
		Help:      "Paid features cleared by the expiry sweep",
	})

	m.deliveriesDuplicate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "deliveries_duplicate_total",
		Help:      "Webhook deliveries dropped as duplicates",
	})

	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by endpoint and method",
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_request_duration_milliseconds",
			Help:      "HTTP request duration in milliseconds",
			Buckets:   m.histogramBuckets,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "queue_size",
		Help:      "Current number of queued webhook updates",
	})

	m.queueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "queue_capacity",
		Help:      "Maximum number of queued webhook updates",
	})

	m.queueEnqueueErrors = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "queue_enqueue_errors_total",
			Help:      "Rejected enqueue attempts by reason",
		},
		[]string{"reason"},
	)

	m.workerCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "worker_count",
		Help:      "Number of update workers",
	})

	m.workerProcessingLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "worker_processing_latency_milliseconds",
		Help:      "Time spent applying one webhook update",
		Buckets:   m.histogramBuckets,
	})

	m.workerErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "worker_errors_total",
		Help:      "Webhook updates that failed with an infrastructure error",
	})

	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_memory_usage_bytes",
		Help:      "System memory usage in bytes",
	})

	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_goroutine_count",
		Help:      "Number of goroutines",
	})
}

// RecordLedgerOperation counts one ledger call with its outcome label.
func RecordLedgerOperation(operation, outcome string) {
	globalManager.ledgerOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordLedgerLatency records a ledger call duration in milliseconds.
func RecordLedgerLatency(operation string, latencyMs float64) {
	globalManager.ledgerLatency.WithLabelValues(operation).Observe(latencyMs)
}

// RecordTransactionRetry counts a transaction attempt lost to a conflict.
func RecordTransactionRetry(operation string) {
	globalManager.transactionRetries.WithLabelValues(operation).Inc()
}

// RecordTransactionExhausted counts a transaction that ran out of attempts.
func RecordTransactionExhausted(operation string) {
	globalManager.transactionExhausted.WithLabelValues(operation).Inc()
}

// RecordCoinsCredited adds amount to the credited counter for source.
func RecordCoinsCredited(source string, amount int64) {
	if amount > 0 {
		globalManager.coinsCredited.WithLabelValues(source).Add(float64(amount))
	}
}

// RecordCoinsDebited adds amount to the debited counter for feature.
func RecordCoinsDebited(feature string, amount int64) {
	if amount > 0 {
		globalManager.coinsDebited.WithLabelValues(feature).Add(float64(amount))
	}
}

// RecordFeaturesExpired adds n cleared features.
func RecordFeaturesExpired(n int) {
	globalManager.featuresExpired.Add(float64(n))
}

// RecordDeliveryDuplicate increments the duplicate delivery counter.
func RecordDeliveryDuplicate() {
	globalManager.deliveriesDuplicate.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateQueueSize updates the queue size gauge.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity updates the queue capacity gauge.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueueError counts a rejected enqueue.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// UpdateWorkerCount updates the worker count gauge.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency in milliseconds.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// UpdateSystemMemoryUsage updates system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount updates the goroutine count gauge.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom registry used by the package-level helpers.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
