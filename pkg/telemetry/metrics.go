package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for dysonloop.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Iteration metrics
	iterationsCompleted prometheus.Counter
	iterationDuration   prometheus.Histogram

	// Solver metrics
	solverCalls    *prometheus.CounterVec
	solverDuration *prometheus.HistogramVec
	solverErrors   *prometheus.CounterVec

	// Loop state metrics
	chemicalPotential prometheus.Gauge
	totalDensity      prometheus.Gauge
	convergenceDelta  *prometheus.GaugeVec
	convergedFlag     prometheus.Gauge

	// Checkpoint metrics
	checkpointWrites   prometheus.Counter
	checkpointDuration prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"solver"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Iteration metrics
		iterationsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_completed_total",
				Help:      "Total number of self-consistency iterations completed",
			},
		),
		iterationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "iteration_duration_seconds",
				Help:      "Duration of a single self-consistency iteration in seconds",
				Buckets:   buckets,
			},
		),

		// Solver metrics
		solverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solver_calls_total",
				Help:      "Total number of impurity solver invocations",
			},
			[]string{"solver"},
		),
		solverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "solver_call_duration_seconds",
				Help:      "Duration of impurity solver invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"solver"},
		),
		solverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solver_errors_total",
				Help:      "Total number of impurity solver errors",
			},
			[]string{"solver"},
		),

		// Loop state metrics
		chemicalPotential: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chemical_potential",
				Help:      "Chemical potential of the most recent iteration",
			},
		),
		totalDensity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "total_density",
				Help:      "Total electron density of the most recent iteration",
			},
		),
		convergenceDelta: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "convergence_delta",
				Help:      "Convergence observable deltas of the most recent iteration",
			},
			[]string{"quantity"},
		),
		convergedFlag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "converged",
				Help:      "Whether the current run has reached convergence (1=yes, 0=no)",
			},
		),

		// Checkpoint metrics
		checkpointWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_writes_total",
				Help:      "Total number of iteration checkpoints written",
			},
		),
		checkpointDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "checkpoint_write_duration_seconds",
				Help:      "Duration of checkpoint writes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.iterationsCompleted,
		m.iterationDuration,
		m.solverCalls,
		m.solverDuration,
		m.solverErrors,
		m.chemicalPotential,
		m.totalDensity,
		m.convergenceDelta,
		m.convergedFlag,
		m.checkpointWrites,
		m.checkpointDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(solver string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(solver).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Iteration Metrics

// RecordIteration records a completed self-consistency iteration.
func (m *Metrics) RecordIteration(duration time.Duration) {
	if m.iterationsCompleted == nil {
		return
	}
	m.iterationsCompleted.Inc()
	m.iterationDuration.Observe(duration.Seconds())
}

// Solver Metrics

// RecordSolverCall records an impurity solver call with its duration.
func (m *Metrics) RecordSolverCall(solver string, duration time.Duration) {
	if m.solverCalls == nil {
		return
	}
	m.solverCalls.WithLabelValues(solver).Inc()
	m.solverDuration.WithLabelValues(solver).Observe(duration.Seconds())
}

// RecordSolverError records an impurity solver error.
func (m *Metrics) RecordSolverError(solver string) {
	if m.solverErrors == nil {
		return
	}
	m.solverErrors.WithLabelValues(solver).Inc()
}

// Loop State Metrics

// SetChemicalPotential sets the chemical potential gauge.
func (m *Metrics) SetChemicalPotential(mu float64) {
	if m.chemicalPotential == nil {
		return
	}
	m.chemicalPotential.Set(mu)
}

// SetTotalDensity sets the total density gauge.
func (m *Metrics) SetTotalDensity(n float64) {
	if m.totalDensity == nil {
		return
	}
	m.totalDensity.Set(n)
}

// SetConvergenceDelta sets a convergence observable gauge.
func (m *Metrics) SetConvergenceDelta(quantity string, delta float64) {
	if m.convergenceDelta == nil {
		return
	}
	m.convergenceDelta.WithLabelValues(quantity).Set(delta)
}

// SetConverged sets the converged flag gauge.
func (m *Metrics) SetConverged(converged bool) {
	if m.convergedFlag == nil {
		return
	}
	value := 0.0
	if converged {
		value = 1.0
	}
	m.convergedFlag.Set(value)
}

// Checkpoint Metrics

// RecordCheckpointWrite records a checkpoint write with its duration.
func (m *Metrics) RecordCheckpointWrite(duration time.Duration) {
	if m.checkpointWrites == nil {
		return
	}
	m.checkpointWrites.Inc()
	m.checkpointDuration.Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveRuns sets the current number of active runs.
func (m *Metrics) SetActiveRuns(count float64) {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
