// Package metrics holds the prometheus collectors for the coordination layer.
//
// Collectors live on a private registry so tests can create as many
// instances as they like. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	LockAcquireTotal *prometheus.CounterVec // result=acquired|held|timeout
	LockReleaseTotal *prometheus.CounterVec // result=released|forced|mismatch|not_found

	IdempotencyDecisionsTotal *prometheus.CounterVec // decision=novel|cached|conflict|processing

	OperationTransitionsTotal *prometheus.CounterVec // status=pending|processing|completed|failed|cancelled
	ReplayTransitionsTotal    *prometheus.CounterVec // status=queued|processing|completed|failed|expired|cancelled

	WebhookDeliveriesTotal *prometheus.CounterVec // result=delivered|failed

	DispatchDuration *prometheus.HistogramVec // function, outcome=ok|error|async|deferred
	InFlight         prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vend_lock_acquire_total",
				Help: "Lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		LockReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vend_lock_release_total",
				Help: "Lock releases by result",
			},
			[]string{"result"},
		),
		IdempotencyDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vend_idempotency_decisions_total",
				Help: "Idempotency begin decisions",
			},
			[]string{"decision"},
		),
		OperationTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vend_operation_transitions_total",
				Help: "Operation state transitions by target status",
			},
			[]string{"status"},
		),
		ReplayTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vend_replay_transitions_total",
				Help: "Replay entry state transitions by target status",
			},
			[]string{"status"},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vend_webhook_deliveries_total",
				Help: "Callback deliveries by result",
			},
			[]string{"result"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vend_dispatch_duration_seconds",
				Help:    "Time spent dispatching a request",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
			},
			[]string{"function", "outcome"},
		),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vend_executions_in_flight",
			Help: "Function executions currently running",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.LockAcquireTotal,
		m.LockReleaseTotal,
		m.IdempotencyDecisionsTotal,
		m.OperationTransitionsTotal,
		m.ReplayTransitionsTotal,
		m.WebhookDeliveriesTotal,
		m.DispatchDuration,
		m.InFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) LockAcquire(result string) {
	if m != nil {
		m.LockAcquireTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) LockRelease(result string) {
	if m != nil {
		m.LockReleaseTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IdempotencyDecision(decision string) {
	if m != nil {
		m.IdempotencyDecisionsTotal.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) OperationTransition(status string) {
	if m != nil {
		m.OperationTransitionsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ReplayTransition(status string) {
	if m != nil {
		m.ReplayTransitionsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) WebhookDelivery(result string) {
	if m != nil {
		m.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDispatch records how long a dispatch took.
func (m *Metrics) ObserveDispatch(function, outcome string, d time.Duration) {
	if m != nil {
		m.DispatchDuration.WithLabelValues(function, outcome).Observe(d.Seconds())
	}
}

// ExecutionStarted increments the in-flight gauge and returns its decrement.
func (m *Metrics) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}
