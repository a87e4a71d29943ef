package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for a provisioning run. Every
// recording method is a no-op when metrics are disabled.
type Metrics struct {
	config MetricsConfig

	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	backendAttempts *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	mediaCandidates *prometheus.CounterVec
	errorsByClass   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Provisioning runs by outcome",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a provisioning run in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_attempts_total",
				Help:      "Backend invocations by resource, backend and outcome",
			},
			[]string{"resource", "backend", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of each run step in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		mediaCandidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "media_candidates_total",
				Help:      "Configuration medium candidates tried by outcome",
			},
			[]string{"outcome"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Terminal run errors by class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runs,
		m.runDuration,
		m.backendAttempts,
		m.stepDuration,
		m.mediaCandidates,
		m.errorsByClass,
	)

	return m, nil
}

// RecordRun records a finished run with its status and duration.
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if m.runs == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordBackendAttempt records one backend invocation.
func (m *Metrics) RecordBackendAttempt(resource, backend string, err error) {
	if m.backendAttempts == nil {
		return
	}
	m.backendAttempts.WithLabelValues(resource, backend, outcome(err)).Inc()
}

// RecordStep records the duration of a run step.
func (m *Metrics) RecordStep(step string, duration time.Duration) {
	if m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordMediaCandidate records the outcome of one medium candidate.
func (m *Metrics) RecordMediaCandidate(err error) {
	if m.mediaCandidates == nil {
		return
	}
	m.mediaCandidates.WithLabelValues(outcome(err)).Inc()
}

// RecordError records a terminal error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// WriteTextfile writes all metrics in the text exposition format for the
// node_exporter textfile collector.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.TextfilePath), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
