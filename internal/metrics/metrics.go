// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Physical storage metrics, labelled by strategy
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Upload outcomes: stored, deduplicated, rejected, failed
	UploadTotal *prometheus.CounterVec
	UploadBytes prometheus.Counter

	// Accounted reads by access type
	AccessTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Schema validation metrics
	SchemaValidationTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filestore_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filestore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filestore_storage_operations_total",
			Help: "Total number of physical storage operations",
		}, []string{"strategy", "operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filestore_storage_operation_duration_seconds",
			Help:    "Physical storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy", "operation", "status"}),

		UploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filestore_uploads_total",
			Help: "Total number of uploads by outcome",
		}, []string{"outcome"}),

		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_upload_bytes_total",
			Help: "Bytes physically written by uploads",
		}),

		AccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filestore_file_access_total",
			Help: "Total number of accounted file reads",
		}, []string{"access_type"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filestore_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filestore_event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filestore_schema_validation_total",
			Help: "Total number of request body validations",
		}, []string{"schema", "status"}),
	}

	m.HTTPRequestTotal = registerOrGet(m.HTTPRequestTotal).(*prometheus.CounterVec)
	m.HTTPRequestDuration = registerOrGet(m.HTTPRequestDuration).(*prometheus.HistogramVec)
	m.StorageOperationTotal = registerOrGet(m.StorageOperationTotal).(*prometheus.CounterVec)
	m.StorageOperationDuration = registerOrGet(m.StorageOperationDuration).(*prometheus.HistogramVec)
	m.UploadTotal = registerOrGet(m.UploadTotal).(*prometheus.CounterVec)
	m.UploadBytes = registerOrGet(m.UploadBytes).(prometheus.Counter)
	m.AccessTotal = registerOrGet(m.AccessTotal).(*prometheus.CounterVec)
	m.EventPublishTotal = registerOrGet(m.EventPublishTotal).(*prometheus.CounterVec)
	m.EventPublishDuration = registerOrGet(m.EventPublishDuration).(*prometheus.HistogramVec)
	m.SchemaValidationTotal = registerOrGet(m.SchemaValidationTotal).(*prometheus.CounterVec)

	globalMetrics = m
	return m
}

// ObserveStorage records one physical storage call.
func (m *Metrics) ObserveStorage(strategy, operation string, start time.Time, err error) {
	status := statusLabel(err)
	m.StorageOperationTotal.WithLabelValues(strategy, operation, status).Inc()
	m.StorageOperationDuration.WithLabelValues(strategy, operation, status).Observe(time.Since(start).Seconds())
}

// ObserveEvent records one publish attempt.
func (m *Metrics) ObserveEvent(eventType string, start time.Time, err error) {
	status := statusLabel(err)
	m.EventPublishTotal.WithLabelValues(eventType, status).Inc()
	m.EventPublishDuration.WithLabelValues(eventType, status).Observe(time.Since(start).Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
