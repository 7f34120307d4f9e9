package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Per-target outcomes of fan-out operations
	PropagationTotal *prometheus.CounterVec

	// Health checks against brand sites
	HealthCheckTotal *prometheus.CounterVec

	// Outbound node-to-node calls
	RemoteCallDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec

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
			Name: "onemedia_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onemedia_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		PropagationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onemedia_propagation_targets_total",
			Help: "Fan-out targets processed, by operation and outcome",
		}, []string{"operation", "status"}),

		HealthCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onemedia_health_checks_total",
			Help: "Health checks against brand sites, by outcome",
		}, []string{"status"}),

		RemoteCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onemedia_remote_call_duration_seconds",
			Help:    "Outbound node call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 25, 30},
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onemedia_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onemedia_schema_validation_total",
			Help: "Total number of request body validations",
		}, []string{"schema", "status"}),
	}

	m.HTTPRequestTotal = registerOrGet(m.HTTPRequestTotal).(*prometheus.CounterVec)
	m.HTTPRequestDuration = registerOrGet(m.HTTPRequestDuration).(*prometheus.HistogramVec)
	m.PropagationTotal = registerOrGet(m.PropagationTotal).(*prometheus.CounterVec)
	m.HealthCheckTotal = registerOrGet(m.HealthCheckTotal).(*prometheus.CounterVec)
	m.RemoteCallDuration = registerOrGet(m.RemoteCallDuration).(*prometheus.HistogramVec)
	m.EventPublishTotal = registerOrGet(m.EventPublishTotal).(*prometheus.CounterVec)
	m.SchemaValidationTotal = registerOrGet(m.SchemaValidationTotal).(*prometheus.CounterVec)

	globalMetrics = m
	return m
}

// Status label values
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// StatusLabel converts an error into a status label.
func StatusLabel(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
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
