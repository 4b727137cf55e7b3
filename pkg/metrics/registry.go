// Package metrics exposes Prometheus instrumentation for service
// registration and the coordination store behind it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dongjinleekr/armeria/pkg/coord"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// DefaultStoreLatencyBuckets are latency buckets for coordination store
// operations, which normally finish within a few round trips.
var DefaultStoreLatencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

// RegistryMetrics holds metrics for registration lifecycle and store
// traffic.
type RegistryMetrics struct {
	// Registered is 1 while this instance holds a registration entry.
	Registered prometheus.Gauge

	// RegistrationsTotal counts registration attempts by status.
	RegistrationsTotal *prometheus.CounterVec

	// DeregistrationsTotal counts deregistration attempts by status.
	DeregistrationsTotal *prometheus.CounterVec

	// SessionExpiriesTotal counts coordination sessions the store dropped.
	SessionExpiriesTotal prometheus.Counter

	// StoreLatency tracks store operation latencies broken down by
	// operation and status.
	// Labels: operation (connect, put_ephemeral, delete, get, list, close),
	// status (success, failure)
	StoreLatency *prometheus.HistogramVec

	// StoreOperationsTotal counts store operations by operation and status.
	StoreOperationsTotal *prometheus.CounterVec
}

var _ coord.Recorder = (*RegistryMetrics)(nil)

// NewRegistryMetrics creates and registers registry metrics with the
// default registry.
func NewRegistryMetrics() *RegistryMetrics {
	return &RegistryMetrics{
		Registered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "armeria",
			Subsystem: "registry",
			Name:      "registered",
			Help:      "Whether this instance currently holds a registration entry (0 or 1).",
		}),
		RegistrationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "armeria",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Total registration attempts, broken down by status.",
		}, []string{"status"}),
		DeregistrationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "armeria",
			Subsystem: "registry",
			Name:      "deregistrations_total",
			Help:      "Total deregistration attempts, broken down by status.",
		}, []string{"status"}),
		SessionExpiriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "armeria",
			Subsystem: "registry",
			Name:      "session_expiries_total",
			Help:      "Total coordination sessions dropped by the store.",
		}),
		StoreLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "armeria",
			Subsystem: "registry",
			Name:      "store_operation_seconds",
			Help:      "Coordination store operation latency in seconds, broken down by operation and status.",
			Buckets:   DefaultStoreLatencyBuckets,
		}, []string{"operation", "status"}),
		StoreOperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "armeria",
			Subsystem: "registry",
			Name:      "store_operations_total",
			Help:      "Total coordination store operations, broken down by operation and status.",
		}, []string{"operation", "status"}),
	}
}

// NewRegistryMetricsWithRegistry creates registry metrics registered with a
// custom registry. Useful for testing to avoid conflicts with the default
// registry.
func NewRegistryMetricsWithRegistry(reg prometheus.Registerer) *RegistryMetrics {
	registered := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "armeria",
		Subsystem: "registry",
		Name:      "registered",
		Help:      "Whether this instance currently holds a registration entry (0 or 1).",
	})
	registrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armeria",
		Subsystem: "registry",
		Name:      "registrations_total",
		Help:      "Total registration attempts, broken down by status.",
	}, []string{"status"})
	deregistrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armeria",
		Subsystem: "registry",
		Name:      "deregistrations_total",
		Help:      "Total deregistration attempts, broken down by status.",
	}, []string{"status"})
	expiries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "armeria",
		Subsystem: "registry",
		Name:      "session_expiries_total",
		Help:      "Total coordination sessions dropped by the store.",
	})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "armeria",
		Subsystem: "registry",
		Name:      "store_operation_seconds",
		Help:      "Coordination store operation latency in seconds, broken down by operation and status.",
		Buckets:   DefaultStoreLatencyBuckets,
	}, []string{"operation", "status"})
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armeria",
		Subsystem: "registry",
		Name:      "store_operations_total",
		Help:      "Total coordination store operations, broken down by operation and status.",
	}, []string{"operation", "status"})

	reg.MustRegister(registered, registrations, deregistrations, expiries, latency, operations)

	return &RegistryMetrics{
		Registered:           registered,
		RegistrationsTotal:   registrations,
		DeregistrationsTotal: deregistrations,
		SessionExpiriesTotal: expiries,
		StoreLatency:         latency,
		StoreOperationsTotal: operations,
	}
}

// RecordOperation implements coord.Recorder.
func (m *RegistryMetrics) RecordOperation(op string, elapsed time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	m.StoreLatency.WithLabelValues(op, status).Observe(elapsed.Seconds())
	m.StoreOperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordRegistration records one registration attempt and flips the
// Registered gauge on success.
func (m *RegistryMetrics) RecordRegistration(err error) {
	if err != nil {
		m.RegistrationsTotal.WithLabelValues(StatusFailure).Inc()
		return
	}
	m.RegistrationsTotal.WithLabelValues(StatusSuccess).Inc()
	m.Registered.Set(1)
}

// RecordDeregistration records one deregistration attempt and clears the
// Registered gauge.
func (m *RegistryMetrics) RecordDeregistration(err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	m.DeregistrationsTotal.WithLabelValues(status).Inc()
	m.Registered.Set(0)
}

// RecordSessionExpiry records the store dropping the session, which also
// removes the registration entry.
func (m *RegistryMetrics) RecordSessionExpiry() {
	m.SessionExpiriesTotal.Inc()
	m.Registered.Set(0)
}
