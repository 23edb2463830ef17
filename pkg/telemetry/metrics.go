package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for envgraph.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Item metrics
	itemsResolved  *prometheus.CounterVec
	itemDuration   *prometheus.HistogramVec
	itemErrors     *prometheus.CounterVec
	pendingItems   prometheus.Gauge

	// Command metrics
	commandsRun     *prometheus.CounterVec
	commandDuration prometheus.Histogram
	queuedCommands  prometheus.Gauge

	// Plugin metrics
	pluginCalls  *prometheus.CounterVec
	pluginErrors *prometheus.CounterVec

	// Watch metrics
	reloads *prometheus.CounterVec

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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of resolution runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of resolution runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of resolution runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		itemsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_resolved_total",
				Help:      "Total number of items resolved",
			},
			[]string{"type", "state"},
		),
		itemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_resolve_duration_seconds",
				Help:      "Duration of item resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		itemErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "item_errors_total",
				Help:      "Total number of item errors by kind",
			},
			[]string{"kind"},
		),
		pendingItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_items",
				Help:      "Items waiting for resolution in the current run",
			},
		),

		commandsRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of exec() commands run",
			},
			[]string{"status"},
		),
		commandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of exec() commands in seconds",
				Buckets:   buckets,
			},
		),
		queuedCommands: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_commands",
				Help:      "Commands waiting for the exec queue",
			},
		),

		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin function calls",
			},
			[]string{"plugin", "function"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of failed plugin function calls",
			},
			[]string{"plugin", "function"},
		),

		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reloads_total",
				Help:      "Total number of watch mode reloads",
			},
			[]string{"status"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active resolution runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.itemsResolved,
		m.itemDuration,
		m.itemErrors,
		m.pendingItems,
		m.commandsRun,
		m.commandDuration,
		m.queuedCommands,
		m.pluginCalls,
		m.pluginErrors,
		m.reloads,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
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

// Item Metrics

// RecordItemResolved records one item resolution.
func (m *Metrics) RecordItemResolved(typeName, state string, duration time.Duration) {
	if m.itemsResolved == nil {
		return
	}
	m.itemsResolved.WithLabelValues(typeName, state).Inc()
	m.itemDuration.WithLabelValues(typeName).Observe(duration.Seconds())
}

// RecordItemError records an item error by kind.
func (m *Metrics) RecordItemError(kind string) {
	if m.itemErrors == nil {
		return
	}
	m.itemErrors.WithLabelValues(kind).Inc()
}

// SetPendingItems sets the number of items waiting in the scheduler.
func (m *Metrics) SetPendingItems(count float64) {
	if m.pendingItems == nil {
		return
	}
	m.pendingItems.Set(count)
}

// Command Metrics

// RecordCommand records one exec() command.
func (m *Metrics) RecordCommand(duration time.Duration, err error) {
	if m.commandsRun == nil {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.commandsRun.WithLabelValues(status).Inc()
	m.commandDuration.Observe(duration.Seconds())
}

// SetQueuedCommands sets the number of commands waiting for the exec queue.
func (m *Metrics) SetQueuedCommands(count float64) {
	if m.queuedCommands == nil {
		return
	}
	m.queuedCommands.Set(count)
}

// Plugin Metrics

// RecordPluginCall records a plugin function call.
func (m *Metrics) RecordPluginCall(plugin, function string, err error) {
	if m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, function).Inc()
	if err != nil {
		m.pluginErrors.WithLabelValues(plugin, function).Inc()
	}
}

// RecordReload records a watch mode reload.
func (m *Metrics) RecordReload(status string) {
	if m.reloads == nil {
		return
	}
	m.reloads.WithLabelValues(status).Inc()
}

// Registry returns the Prometheus registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.config.Enabled {
		return nil, nil
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
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()

	return server, nil
}
