package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Sirpi engine.
type Metrics struct {
	config MetricsConfig

	// Deployment action metrics
	actionsStarted   *prometheus.CounterVec
	actionsCompleted *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec

	// Sandbox metrics
	sandboxesCreated   prometheus.Counter
	sandboxesDestroyed prometheus.Counter
	activeSandboxes    prometheus.Gauge
	provisionRetries   prometheus.Counter

	// Log stream metrics
	logLinesWritten    prometheus.Counter
	subscribersDropped prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance, every record method checks the registry
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		actionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_started_total",
				Help:      "Total number of deployment actions started",
			},
			[]string{"phase"},
		),
		actionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_completed_total",
				Help:      "Total number of deployment actions completed",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "status"},
		),

		sandboxesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandboxes_created_total",
				Help:      "Total number of sandboxes created",
			},
		),
		sandboxesDestroyed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandboxes_destroyed_total",
				Help:      "Total number of sandboxes destroyed",
			},
		),
		activeSandboxes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sandboxes",
				Help:      "Current number of live sandboxes",
			},
		),
		provisionRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_provision_retries_total",
				Help:      "Total number of sandbox provisioning retries",
			},
		),

		logLinesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_lines_written_total",
				Help:      "Total number of log lines durably written",
			},
		),
		subscribersDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_subscribers_dropped_total",
				Help:      "Total number of log subscribers dropped for falling behind",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.actionsStarted,
		m.actionsCompleted,
		m.phaseDuration,
		m.sandboxesCreated,
		m.sandboxesDestroyed,
		m.activeSandboxes,
		m.provisionRetries,
		m.logLinesWritten,
		m.subscribersDropped,
		m.errorsByClass,
	)

	return m, nil
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordActionStarted increments the started counter for a phase.
func (m *Metrics) RecordActionStarted(phase string) {
	if m.registry == nil {
		return
	}
	m.actionsStarted.WithLabelValues(phase).Inc()
}

// RecordActionCompleted records a completed action and its duration.
func (m *Metrics) RecordActionCompleted(phase, status string, seconds float64) {
	if m.registry == nil {
		return
	}
	m.actionsCompleted.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase, status).Observe(seconds)
}

// RecordSandboxCreated tracks a new live sandbox.
func (m *Metrics) RecordSandboxCreated() {
	if m.registry == nil {
		return
	}
	m.sandboxesCreated.Inc()
	m.activeSandboxes.Inc()
}

// RecordSandboxDestroyed tracks a sandbox teardown.
func (m *Metrics) RecordSandboxDestroyed() {
	if m.registry == nil {
		return
	}
	m.sandboxesDestroyed.Inc()
	m.activeSandboxes.Dec()
}

// RecordProvisionRetry counts one sandbox provisioning retry.
func (m *Metrics) RecordProvisionRetry() {
	if m.registry == nil {
		return
	}
	m.provisionRetries.Inc()
}

// RecordLogLines counts durably written log lines.
func (m *Metrics) RecordLogLines(n int) {
	if m.registry == nil {
		return
	}
	m.logLinesWritten.Add(float64(n))
}

// RecordSubscriberDropped counts a dropped log subscriber.
func (m *Metrics) RecordSubscriberDropped() {
	if m.registry == nil {
		return
	}
	m.subscribersDropped.Inc()
}

// RecordError counts a classified error.
func (m *Metrics) RecordError(class string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}
