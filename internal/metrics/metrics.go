// Package metrics exposes the control plane's Prometheus metrics: scan
// throughput and latency, ignition state transitions, controller-connection
// health, and RF link counts.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every registered collector. Construct one with New and keep
// it for the process lifetime; it is safe for concurrent use (the
// underlying prometheus collectors already are).
type Metrics struct {
	registry *prometheus.Registry

	ScansStarted    *prometheus.CounterVec
	ScansFinalized  *prometheus.CounterVec
	ScansTimedOut   prometheus.Counter
	ScanLatency     prometheus.Histogram

	IgnitionAttempts  *prometheus.CounterVec
	IgnitionLinksUp   prometheus.Gauge
	SelfIgnitionTries prometheus.Counter

	ControllerRequestsTotal *prometheus.CounterVec
	ControllerCircuitState  prometheus.Gauge

	RfLinksTracked prometheus.Gauge
	ClockSkewSecs  prometheus.Gauge

	startOnce sync.Once
	startTime time.Time
}

// New constructs and registers the full metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ScansStarted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tgctl_scans_started_total",
			Help: "Total scans launched, by type.",
		}, []string{"type"}),
		ScansFinalized: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tgctl_scans_finalized_total",
			Help: "Total scans finalized, by outcome.",
		}, []string{"outcome"}),
		ScansTimedOut: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tgctl_scans_timed_out_total",
			Help: "Total scans that hit their response deadline before every responder replied.",
		}),
		ScanLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "tgctl_scan_finalize_latency_seconds",
			Help:    "Time from scan launch to finalization.",
			Buckets: prometheus.DefBuckets,
		}),
		IgnitionAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tgctl_ignition_attempts_total",
			Help: "Total ignition attempts, by result.",
		}, []string{"result"}),
		IgnitionLinksUp: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tgctl_ignition_links_up",
			Help: "Current count of ignited (LINK_UP) responders.",
		}),
		SelfIgnitionTries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tgctl_self_ignition_attempts_total",
			Help: "Total distributed (self) ignition attempts.",
		}),
		ControllerRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tgctl_controller_requests_total",
			Help: "Total minion-to-controller requests, by result.",
		}, []string{"result"}),
		ControllerCircuitState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tgctl_controller_circuit_state",
			Help: "Controller-connection circuit breaker state (0=closed,1=open,2=half-open).",
		}),
		RfLinksTracked: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tgctl_rf_links_tracked",
			Help: "Current count of links with stored RF state.",
		}),
		ClockSkewSecs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tgctl_gps_wall_clock_skew_seconds",
			Help: "Absolute skew between the GPS clock and the local wall clock.",
		}),
		startTime: time.Now(),
	}
	return m
}

// CircuitStateValue maps a circuitbreaker.State-shaped string to the gauge
// encoding used by ControllerCircuitState.
func CircuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// Handler returns the HTTP handler serving this Metrics' registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
