package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal        *prometheus.CounterVec
	ExecutionDuration      *prometheus.HistogramVec
	ActiveExecutions       prometheus.Gauge
	RejectedTotal          *prometheus.CounterVec
	LogWriteFailures       prometheus.Counter
	StagingCleanupFailures prometheus.Counter
	ScanFindings           *prometheus.CounterVec
	RequestsInFlight       prometheus.Gauge
	SourceSizeBytes        prometheus.Histogram
	OutputSizeBytes        prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "secure_exec",
				Name:      "executions_total",
				Help:      "Executions by language and outcome (success, error, timeout, setup_error).",
			},
			[]string{"language", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "secure_exec",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions, staging to cleanup.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
			},
			[]string{"language"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "secure_exec",
				Name:      "active_executions",
				Help:      "Number of executions currently holding a sandbox slot.",
			},
		),

		RejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "secure_exec",
				Name:      "rejected_total",
				Help:      "Requests refused before anything ran, by reason.",
			},
			[]string{"reason"},
		),

		LogWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "secure_exec",
				Name:      "log_write_failures_total",
				Help:      "Executions whose result could not be written to the execution log.",
			},
		),

		StagingCleanupFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "secure_exec",
				Name:      "staging_cleanup_failures_total",
				Help:      "Staging directories that could not be removed.",
			},
		),

		ScanFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "secure_exec",
				Name:      "scan_findings_total",
				Help:      "Suspicious patterns found in submitted source or output.",
			},
			[]string{"pattern", "severity"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "secure_exec",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		SourceSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "secure_exec",
				Name:      "source_size_bytes",
				Help:      "Size of submitted files in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "secure_exec",
				Name:      "output_size_bytes",
				Help:      "Combined stdout and stderr size of executions in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.RejectedTotal,
		m.LogWriteFailures,
		m.StagingCleanupFailures,
		m.ScanFindings,
		m.RequestsInFlight,
		m.SourceSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(language, outcome string, durationSec float64, sourceBytes, outputBytes int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
	m.SourceSizeBytes.Observe(float64(sourceBytes))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordRejected counts a request refused before execution.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLogWriteFailure() {
	if m == nil {
		return
	}
	m.LogWriteFailures.Inc()
}

func (m *Metrics) RecordCleanupFailure() {
	if m == nil {
		return
	}
	m.StagingCleanupFailures.Inc()
}

func (m *Metrics) RecordFinding(f Finding) {
	if m == nil {
		return
	}
	m.ScanFindings.WithLabelValues(f.Pattern, f.Severity).Inc()
}

// ExecutionStarted bumps the active gauge and returns the matching decrement.
func (m *Metrics) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveExecutions.Inc()
	return m.ActiveExecutions.Dec
}
