package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine. A disabled config
// yields a no-op instance, so call sites never need nil checks.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Task metrics
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	// Attempt metrics
	attemptsStarted *prometheus.CounterVec
	attemptOutcomes *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns   prometheus.Gauge
	readyTasks   prometheus.Gauge
	runningTasks prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"flow", "resumed"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"flow", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"flow", "status"},
		),

		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks completed",
			},
			[]string{"step", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),

		attemptsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_started_total",
				Help:      "Total number of task attempts started",
			},
			[]string{"step"},
		),
		attemptOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempt_outcomes_total",
				Help:      "Total number of attempt outcomes by classification",
			},
			[]string{"step", "outcome"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retries scheduled",
			},
			[]string{"step"},
		),

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

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		readyTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ready_tasks",
				Help:      "Current number of tasks ready to dispatch",
			},
		),
		runningTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_tasks",
				Help:      "Current number of dispatched tasks",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.tasksCompleted,
		m.taskDuration,
		m.attemptsStarted,
		m.attemptOutcomes,
		m.retriesTotal,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.readyTasks,
		m.runningTasks,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(flow string, resumed bool) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(flow, fmt.Sprintf("%t", resumed)).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(flow, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(flow, status).Inc()
	m.runDuration.WithLabelValues(flow, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordTaskCompleted records a finished task with its final status.
func (m *Metrics) RecordTaskCompleted(step, status string, duration time.Duration) {
	if m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(step, status).Inc()
	m.taskDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordAttemptStarted increments the attempt counter for a step.
func (m *Metrics) RecordAttemptStarted(step string) {
	if m.attemptsStarted == nil {
		return
	}
	m.attemptsStarted.WithLabelValues(step).Inc()
}

// RecordAttemptOutcome records the exit classification of an attempt.
func (m *Metrics) RecordAttemptOutcome(step, outcome string) {
	if m.attemptOutcomes == nil {
		return
	}
	m.attemptOutcomes.WithLabelValues(step, outcome).Inc()
}

// RecordRetry records a retry scheduled for a step.
func (m *Metrics) RecordRetry(step string) {
	if m.retriesTotal == nil {
		return
	}
	m.retriesTotal.WithLabelValues(step).Inc()
}

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

// SetReadyTasks sets the current size of the ready queue.
func (m *Metrics) SetReadyTasks(count float64) {
	if m.readyTasks == nil {
		return
	}
	m.readyTasks.Set(count)
}

// SetRunningTasks sets the current number of dispatched tasks.
func (m *Metrics) SetRunningTasks(count float64) {
	if m.runningTasks == nil {
		return
	}
	m.runningTasks.Set(count)
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
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
