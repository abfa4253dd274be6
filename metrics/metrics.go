// Package metrics exposes coordinator counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all coordinator metrics.
type Metrics struct {
	// Registry
	Registrations   atomic.Uint64
	Reregistrations atomic.Uint64

	// Signal priority
	PriorityRequests atomic.Uint64
	GrantsIssued     atomic.Uint64
	GrantsQueued     atomic.Uint64
	Preemptions      atomic.Uint64
	PermissionDenied atomic.Uint64

	// Alerts
	AlertsBroadcast  atomic.Uint64
	VehiclesNotified atomic.Uint64
	DeliveryFailures atomic.Uint64
	ArchiveFailures  atomic.Uint64

	// Flow and prediction
	Optimizations atomic.Uint64
	Predictions   atomic.Uint64

	// Dashboard
	DashboardClients atomic.Int64
	DashboardDropped atomic.Uint64

	operationSeconds *prometheus.HistogramVec
	operationErrors  *prometheus.CounterVec

	registry *prometheus.Registry
}

// Sources supplies point-in-time gauges read at scrape time.
type Sources struct {
	Vehicles       func() int
	ActiveVehicles func() int
	ActiveGrants   func() int
	LogEntries     func() int
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "v2i_operation_duration_seconds",
			Help:    "Duration of coordinator operations",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"operation"}),
		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "v2i_operation_errors_total",
			Help: "Failed coordinator operations by error code",
		}, []string{"operation", "code"}),
	}
	m.registry.MustRegister(m.operationSeconds, m.operationErrors)
	m.registerCounters()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerCounters() {
	m.counter("v2i_vehicle_registrations_total", "Vehicles registered for the first time", &m.Registrations)
	m.counter("v2i_vehicle_reregistrations_total", "Registrations that overwrote an existing record", &m.Reregistrations)
	m.counter("v2i_priority_requests_total", "Accepted signal priority requests", &m.PriorityRequests)
	m.counter("v2i_priority_grants_total", "Signal grants issued", &m.GrantsIssued)
	m.counter("v2i_priority_queued_total", "Intersections where a request was queued", &m.GrantsQueued)
	m.counter("v2i_priority_preemptions_total", "Grants preempted by another vehicle", &m.Preemptions)
	m.counter("v2i_priority_denied_total", "Priority requests denied for lack of clearance", &m.PermissionDenied)
	m.counter("v2i_alerts_total", "Alerts broadcast", &m.AlertsBroadcast)
	m.counter("v2i_alert_notifications_total", "Vehicles addressed by alerts", &m.VehiclesNotified)
	m.counter("v2i_alert_delivery_failures_total", "Alert deliveries the transport rejected", &m.DeliveryFailures)
	m.counter("v2i_archive_failures_total", "Records the archive failed to store", &m.ArchiveFailures)
	m.counter("v2i_flow_optimizations_total", "Segment optimizations", &m.Optimizations)
	m.counter("v2i_predictions_total", "Traffic density predictions", &m.Predictions)
	m.counter("v2i_dashboard_dropped_total", "Log entries dropped for slow dashboard clients", &m.DashboardDropped)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "v2i_dashboard_clients",
			Help: "Connected dashboard websocket clients",
		},
		func() float64 { return float64(m.DashboardClients.Load()) },
	))
}

// RegisterSources adds gauges read from live state. Nil funcs are skipped.
func (m *Metrics) RegisterSources(s Sources) {
	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(fn()) },
		))
	}
	gauge("v2i_vehicles", "Registered vehicles, active or not", s.Vehicles)
	gauge("v2i_vehicles_active", "Active vehicles", s.ActiveVehicles)
	gauge("v2i_signal_grants_active", "Live signal grants", s.ActiveGrants)
	gauge("v2i_commlog_entries", "Entries held in the communication log", s.LogEntries)
}

// ObserveOperation records how long an operation took and, when code is
// non-empty, counts it as failed.
func (m *Metrics) ObserveOperation(operation string, started time.Time, code string) {
	m.operationSeconds.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if code != "" {
		m.operationErrors.WithLabelValues(operation, code).Inc()
	}
}

// Gatherer exposes the underlying registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
