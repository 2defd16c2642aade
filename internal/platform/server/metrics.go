package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
)

const metricsNamespace = "commandbridge"

// Metrics implements workflow.Observer. All methods are safe on a nil
// receiver so components can run without a registry.
type Metrics struct {
	attemptsTotal     *prometheus.CounterVec
	executionSeconds  *prometheus.HistogramVec
	executionFailures *prometheus.CounterVec
	approvalConflicts *prometheus.CounterVec
	guardDecisions    *prometheus.CounterVec
	usersReloads      *prometheus.CounterVec
	auditReady        prometheus.Gauge
}

// NewMetrics registers the collectors on reg, or on the default registerer
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		attemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "actions",
				Name:      "attempts_total",
				Help:      "Audit records written, by action and result.",
			},
			[]string{"action", "result"},
		),
		executionSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "executor",
				Name:      "duration_seconds",
				Help:      "Executor run time by action.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"action"},
		),
		executionFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "executor",
				Name:      "failures_total",
				Help:      "Executor runs that returned an error, by action.",
			},
			[]string{"action"},
		),
		approvalConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "approvals",
				Name:      "conflicts_total",
				Help:      "Approvals that lost the claim on a request.",
			},
			[]string{"action"},
		),
		guardDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "network_guard",
				Name:      "decisions_total",
				Help:      "Network guard decisions on admin paths.",
			},
			[]string{"decision"},
		),
		usersReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "registry",
				Name:      "reloads_total",
				Help:      "Users file reloads by result.",
			},
			[]string{"result"},
		),
		auditReady: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "audit",
				Name:      "store_ready",
				Help:      "1 when the last audit store ping succeeded.",
			},
		),
	}
}

func (m *Metrics) ObserveAttempt(action string, result audit.Result) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(action, string(result)).Inc()
}

func (m *Metrics) ObserveExecution(action string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.executionSeconds.WithLabelValues(action).Observe(elapsed.Seconds())
	if err != nil {
		m.executionFailures.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) ObserveApprovalConflict(action string) {
	if m == nil {
		return
	}
	m.approvalConflicts.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveGuardDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.guardDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveUsersReload(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.usersReloads.WithLabelValues("error").Inc()
		return
	}
	m.usersReloads.WithLabelValues("success").Inc()
}

func (m *Metrics) SetAuditReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.auditReady.Set(1)
		return
	}
	m.auditReady.Set(0)
}
