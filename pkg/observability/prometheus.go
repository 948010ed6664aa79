// Package observability provides Prometheus metrics for the share checker.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	// namespace is the Prometheus metric namespace prefix for all checkmounts metrics.
	namespace = "checkmounts"
)

// Metrics holds all Prometheus metrics for the share checker.
type Metrics struct {
	registry *prometheus.Registry

	// Check metrics
	sharesCheckedTotal prometheus.Counter
	staleDetectedTotal *prometheus.CounterVec

	// Repair metrics
	unmountAttemptsTotal *prometheus.CounterVec
	remountAttemptsTotal *prometheus.CounterVec
	repairOutcomesTotal  *prometheus.CounterVec

	// Residual file metrics
	residualFilesTotal prometheus.Counter
	residualBytes      prometheus.Gauge

	// Run metrics
	runErrorsTotal     prometheus.Counter
	runDurationSeconds prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on restart (not DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		sharesCheckedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_checked_total",
			Help:      "Total number of shares health-checked",
		}),

		staleDetectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_detected_total",
				Help:      "Total number of unhealthy shares detected by reason",
			},
			[]string{"reason"},
		),

		unmountAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unmount_attempts_total",
				Help:      "Total number of unmount attempts by stage and status",
			},
			[]string{"stage", "status"},
		),

		remountAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remount_attempts_total",
				Help:      "Total number of remount attempts by status",
			},
			[]string{"status"},
		),

		repairOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repair_outcomes_total",
				Help:      "Total number of per-share repair outcomes",
			},
			[]string{"outcome"},
		),

		residualFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "residual_files_total",
			Help:      "Total number of residual entries found under unmounted mountpoints",
		}),

		residualBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "residual_bytes",
			Help:      "Size in bytes of residual data found in the last run",
		}),

		runErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_errors_total",
			Help:      "Total number of errors accumulated across check runs",
		}),

		runDurationSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last check run in seconds",
		}),
	}

	// Register all metrics with the custom registry
	reg.MustRegister(
		m.sharesCheckedTotal,
		m.staleDetectedTotal,
		m.unmountAttemptsTotal,
		m.remountAttemptsTotal,
		m.repairOutcomesTotal,
		m.residualFilesTotal,
		m.residualBytes,
		m.runErrorsTotal,
		m.runDurationSeconds,
	)

	return m
}

// Push delivers the current metric values to a Pushgateway. A one-shot cron
// process has nothing to scrape, so metrics travel outbound at the end of
// the run, grouped by instance.
func (m *Metrics) Push(ctx context.Context, url, instance string) error {
	return push.New(url, namespace).
		Gatherer(m.registry).
		Grouping("instance", instance).
		PushContext(ctx)
}

// RecordShareChecked records that one share went through the health check.
func (m *Metrics) RecordShareChecked() {
	m.sharesCheckedTotal.Inc()
}

// RecordStaleDetected records an unhealthy share.
// reason should match the stale reason constants (e.g. io_error, sentinel_missing).
func (m *Metrics) RecordStaleDetected(reason string) {
	m.staleDetectedTotal.WithLabelValues(reason).Inc()
}

// RecordUnmountAttempt records one unmount stage execution.
// stage should be one of: soft, force, lazy.
func (m *Metrics) RecordUnmountAttempt(stage string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.unmountAttemptsTotal.WithLabelValues(stage, status).Inc()
}

// RecordRemountAttempt records one remount attempt.
func (m *Metrics) RecordRemountAttempt(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.remountAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordRepairOutcome records the final outcome for one share.
// outcome should match the orchestrator outcome constants (e.g. remounted).
func (m *Metrics) RecordRepairOutcome(outcome string) {
	m.repairOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordResiduals records leftover entries discovered under a mountpoint
// after unmounting.
func (m *Metrics) RecordResiduals(count int, bytes int64) {
	m.residualFilesTotal.Add(float64(count))
	m.residualBytes.Set(float64(bytes))
}

// RecordRunError records one run-level error.
func (m *Metrics) RecordRunError() {
	m.runErrorsTotal.Inc()
}

// RecordRunDuration records how long the check run took.
func (m *Metrics) RecordRunDuration(d time.Duration) {
	m.runDurationSeconds.Set(d.Seconds())
}
