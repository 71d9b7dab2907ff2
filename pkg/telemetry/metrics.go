package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the operation engine.
//
// A Metrics built from a disabled config, or a nil *Metrics, accepts every
// Record/Set call and does nothing.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	activeOperations    prometheus.Gauge
	queuedJobs          prometheus.Gauge
	workRetries         *prometheus.CounterVec

	// Policy metrics
	policyApplications *prometheus.CounterVec
	policySkipped      *prometheus.CounterVec
	policyFailures     *prometheus.CounterVec

	// Broadcast metrics
	broadcastDeliveries  *prometheus.CounterVec
	broadcastSubscribers prometheus.Gauge

	// Activity metrics
	activityPercent    prometheus.Gauge
	activityInProgress prometheus.Gauge

	// Notification metrics
	notificationsShown     *prometheus.CounterVec
	notificationsDismissed *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

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

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of operations started",
			},
			[]string{"kind"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operations that reached a terminal status",
			},
			[]string{"kind", "status", "severity"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations from start to completion in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "status"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of operations being driven by the scheduler",
			},
		),
		queuedJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_jobs",
				Help:      "Current number of jobs waiting for a worker",
			},
		),
		workRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_retries_total",
				Help:      "Total number of work retries after retryable errors",
			},
			[]string{"kind"},
		),

		policyApplications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_applications_total",
				Help:      "Total number of policies applied at a checkpoint",
			},
			[]string{"checkpoint", "policy"},
		),
		policySkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_skipped_total",
				Help:      "Total number of policies whose guard did not hold",
			},
			[]string{"checkpoint", "policy"},
		),
		policyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_failures_total",
				Help:      "Total number of policy effects that returned an error",
			},
			[]string{"checkpoint", "policy"},
		),

		broadcastDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_deliveries_total",
				Help:      "Total number of broadcast events delivered to subscribers",
			},
			[]string{"event"},
		),
		broadcastSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broadcast_subscribers",
				Help:      "Current number of broadcast subscribers",
			},
		),

		activityPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "global_activity_percent",
				Help:      "Aggregate progress of broadcasting operations (-1 when indeterminate)",
			},
		),
		activityInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "global_activity_in_progress",
				Help:      "Number of broadcasting operations currently running",
			},
		),

		notificationsShown: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_shown_total",
				Help:      "Total number of notifications shown",
			},
			[]string{"severity"},
		),
		notificationsDismissed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dismissed_total",
				Help:      "Total number of notifications dismissed",
			},
			[]string{"reason"},
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
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.activeOperations,
		m.queuedJobs,
		m.workRetries,
		m.policyApplications,
		m.policySkipped,
		m.policyFailures,
		m.broadcastDeliveries,
		m.broadcastSubscribers,
		m.activityPercent,
		m.activityInProgress,
		m.notificationsShown,
		m.notificationsDismissed,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Operation Metrics

// RecordOperationStarted increments the counter for started operations.
func (m *Metrics) RecordOperationStarted(kind string) {
	if !m.enabled() {
		return
	}
	m.operationsStarted.WithLabelValues(kind).Inc()
	m.activeOperations.Inc()
}

// RecordOperationCompleted records a terminated operation with its outcome
// and duration.
func (m *Metrics) RecordOperationCompleted(kind, status, severity string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsCompleted.WithLabelValues(kind, status, severity).Inc()
	m.operationDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// SetQueuedJobs sets the current number of queued jobs.
func (m *Metrics) SetQueuedJobs(count float64) {
	if !m.enabled() {
		return
	}
	m.queuedJobs.Set(count)
}

// RecordWorkRetry records one retry of a job's work.
func (m *Metrics) RecordWorkRetry(kind string) {
	if !m.enabled() {
		return
	}
	m.workRetries.WithLabelValues(kind).Inc()
}

// Policy Metrics

// RecordPolicyApplied records a policy whose effect ran.
func (m *Metrics) RecordPolicyApplied(checkpoint, policy string) {
	if !m.enabled() {
		return
	}
	m.policyApplications.WithLabelValues(checkpoint, policy).Inc()
}

// RecordPolicySkipped records a policy whose guard did not hold.
func (m *Metrics) RecordPolicySkipped(checkpoint, policy string) {
	if !m.enabled() {
		return
	}
	m.policySkipped.WithLabelValues(checkpoint, policy).Inc()
}

// RecordPolicyFailure records a policy effect that returned an error.
func (m *Metrics) RecordPolicyFailure(checkpoint, policy string) {
	if !m.enabled() {
		return
	}
	m.policyFailures.WithLabelValues(checkpoint, policy).Inc()
}

// Broadcast Metrics

// RecordBroadcastDelivery records delivery of one event to one subscriber.
func (m *Metrics) RecordBroadcastDelivery(event string) {
	if !m.enabled() {
		return
	}
	m.broadcastDeliveries.WithLabelValues(event).Inc()
}

// SetBroadcastSubscribers sets the current number of subscribers.
func (m *Metrics) SetBroadcastSubscribers(count float64) {
	if !m.enabled() {
		return
	}
	m.broadcastSubscribers.Set(count)
}

// Activity Metrics

// SetGlobalActivity publishes the aggregate activity. A nil percent is
// exported as -1.
func (m *Metrics) SetGlobalActivity(percent *int, inProgress int) {
	if !m.enabled() {
		return
	}
	if percent == nil {
		m.activityPercent.Set(-1)
	} else {
		m.activityPercent.Set(float64(*percent))
	}
	m.activityInProgress.Set(float64(inProgress))
}

// Notification Metrics

// RecordNotificationShown records a notification being shown.
func (m *Metrics) RecordNotificationShown(severity string) {
	if !m.enabled() {
		return
	}
	m.notificationsShown.WithLabelValues(severity).Inc()
}

// RecordNotificationDismissed records a notification leaving the surface.
func (m *Metrics) RecordNotificationDismissed(reason string) {
	if !m.enabled() {
		return
	}
	m.notificationsDismissed.WithLabelValues(reason).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// StartMetricsServer starts an HTTP server exposing metrics and returns it
// so the caller can shut it down. It returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(onError func(error)) *http.Server {
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
			if onError != nil {
				onError(fmt.Errorf("metrics server: %w", err))
			}
		}
	}()

	return server
}
