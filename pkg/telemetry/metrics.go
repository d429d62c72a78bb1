package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for workflow runs. All methods are
// safe to call on a nil or disabled collector.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Iteration metrics
	iterations        *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec

	// Import metrics
	imports        *prometheus.CounterVec
	importDuration *prometheus.HistogramVec
	historyChecks  *prometheus.CounterVec
	undoJobs       *prometheus.CounterVec

	// Recovery metrics
	reconcileOutstanding *prometheus.GaugeVec
	escalations          *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
			[]string{"workflow"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of workflow runs torn down",
			},
			[]string{"workflow", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(60, 4, 8),
			},
			[]string{"workflow", "status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active workflow runs",
			},
		),

		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Total number of iterations by phase and outcome",
			},
			[]string{"workflow", "phase", "outcome"},
		),
		iterationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "iteration_duration_seconds",
				Help:      "Duration of iterations in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow", "phase"},
		),

		imports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "imports_total",
				Help:      "Total number of change-set submissions",
			},
			[]string{"workflow", "transport", "status"},
		),
		importDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "import_duration_seconds",
				Help:      "Duration of change-set submissions in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow", "transport"},
		),
		historyChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_checks_total",
				Help:      "Total number of history count checks by result",
			},
			[]string{"workflow", "result"},
		),
		undoJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "undo_jobs_total",
				Help:      "Total number of undo preparations by status",
			},
			[]string{"workflow", "status"},
		),

		reconcileOutstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconcile_outstanding_commands",
				Help:      "Recreate commands not yet confirmed by the remote system",
			},
			[]string{"workflow"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of manual intervention escalations",
			},
			[]string{"workflow"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of recorded workflow errors by code",
			},
			[]string{"workflow", "code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.iterations,
		m.iterationDuration,
		m.imports,
		m.importDuration,
		m.historyChecks,
		m.undoJobs,
		m.reconcileOutstanding,
		m.escalations,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(workflow string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a torn down run with its status and duration.
func (m *Metrics) RecordRunCompleted(workflow, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(workflow, status).Inc()
	m.runDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordIteration records a finished iteration.
func (m *Metrics) RecordIteration(workflow, phase, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.iterations.WithLabelValues(workflow, phase, outcome).Inc()
	m.iterationDuration.WithLabelValues(workflow, phase).Observe(duration.Seconds())
}

// Import Metrics

// RecordImport records a change-set submission.
func (m *Metrics) RecordImport(workflow, transport, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.imports.WithLabelValues(workflow, transport, status).Inc()
	m.importDuration.WithLabelValues(workflow, transport).Observe(duration.Seconds())
}

// RecordHistoryCheck records a history check result (match, mismatch, error).
func (m *Metrics) RecordHistoryCheck(workflow, result string) {
	if !m.enabled() {
		return
	}
	m.historyChecks.WithLabelValues(workflow, result).Inc()
}

// RecordUndo records an undo preparation.
func (m *Metrics) RecordUndo(workflow, status string) {
	if !m.enabled() {
		return
	}
	m.undoJobs.WithLabelValues(workflow, status).Inc()
}

// Recovery Metrics

// SetReconcileOutstanding sets the number of unconfirmed recreate commands.
func (m *Metrics) SetReconcileOutstanding(workflow string, count int) {
	if !m.enabled() {
		return
	}
	m.reconcileOutstanding.WithLabelValues(workflow).Set(float64(count))
}

// RecordEscalation records a manual intervention escalation.
func (m *Metrics) RecordEscalation(workflow string) {
	if !m.enabled() {
		return
	}
	m.escalations.WithLabelValues(workflow).Inc()
}

// RecordWorkflowError records a workflow error by code.
func (m *Metrics) RecordWorkflowError(workflow, code string) {
	if !m.enabled() {
		return
	}
	if code == "" {
		code = "UNCLASSIFIED"
	}
	m.errorsByCode.WithLabelValues(workflow, code).Inc()
}

// Registry returns the collector registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}
