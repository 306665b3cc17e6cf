// Package metric provides the Prometheus metrics registry and HTTP exposition
// for the daemon. Components register their own metrics through the registry;
// the core metrics here cover the shared message pipeline and store health.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Component status gauge values.
const (
	StatusStopped  = 0
	StatusStarting = 1
	StatusRunning  = 2
	StatusStopping = 3
	StatusFailed   = 4
)

// Metrics contains all daemon-level metrics (not component-specific)
type Metrics struct {
	// Pipeline metrics
	ComponentStatus    *prometheus.GaugeVec
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec

	// Store metrics
	StoreUp         prometheus.Gauge
	StoreReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all daemon metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dblogd",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dblogd",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"component", "type"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dblogd",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"component", "type", "status"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dblogd",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dblogd",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dblogd",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		StoreUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dblogd",
				Subsystem: "store",
				Name:      "up",
				Help:      "Store connection status (0=down, 1=up)",
			},
		),

		StoreReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dblogd",
				Subsystem: "store",
				Name:      "reconnects_total",
				Help:      "Total number of store reconnections",
			},
		),
	}
}

// RecordComponentStatus updates component status metric
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived(component, messageType string) {
	c.MessagesReceived.WithLabelValues(component, messageType).Inc()
}

// RecordMessageProcessed increments processed message counter
func (c *Metrics) RecordMessageProcessed(component, messageType, status string) {
	c.MessagesProcessed.WithLabelValues(component, messageType, status).Inc()
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(component, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordStoreStatus updates store connection status
func (c *Metrics) RecordStoreStatus(up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	c.StoreUp.Set(value)
}

// RecordStoreReconnect increments the store reconnection counter
func (c *Metrics) RecordStoreReconnect() {
	c.StoreReconnects.Inc()
}
