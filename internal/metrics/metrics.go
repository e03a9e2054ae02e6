// Package metrics holds the service's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	transitions          *prometheus.CounterVec
	transitionConflicts  prometheus.Counter
	reservationsCreated  prometheus.Counter
	reservationsReleased *prometheus.CounterVec
	reserveFailures      *prometheus.CounterVec
	jobRuns              *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	paymentAttempts      *prometheus.CounterVec
	recoveryEmails       *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_transitions_total",
			Help: "Committed order state transitions.",
		}, []string{"from", "to"}),
		transitionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "orders_transition_conflicts_total",
			Help: "Transitions rejected by the optimistic version check.",
		}),
		reservationsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "orders_reservations_created_total",
			Help: "Reservation rows created.",
		}),
		reservationsReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_reservations_released_total",
			Help: "Reservation rows released, by reason.",
		}, []string{"reason"}),
		reserveFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_reserve_failures_total",
			Help: "Failed reserve calls, by error kind.",
		}, []string{"kind"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_job_runs_total",
			Help: "Background job executions, by outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orders_job_duration_seconds",
			Help:    "Background job execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		paymentAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_payment_attempts_total",
			Help: "Payment attempts, by final status.",
		}, []string{"status"}),
		recoveryEmails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_recovery_emails_total",
			Help: "Cart recovery emails, by outcome.",
		}, []string{"outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_http_requests_total",
			Help: "HTTP requests, by route and status code.",
		}, []string{"method", "route", "code"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TransitionConflict() {
	if m == nil {
		return
	}
	m.transitionConflicts.Inc()
}

func (m *Metrics) ReservationsCreated(n int) {
	if m == nil {
		return
	}
	m.reservationsCreated.Add(float64(n))
}

func (m *Metrics) ReservationsReleased(reason string, n int) {
	if m == nil {
		return
	}
	m.reservationsReleased.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ReserveFailed(kind string) {
	if m == nil {
		return
	}
	m.reserveFailures.WithLabelValues(kind).Inc()
}

// JobRun records one execution. outcome is ok, error or skipped.
func (m *Metrics) JobRun(job, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	if outcome != "skipped" {
		m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
	}
}

func (m *Metrics) PaymentAttempt(status string) {
	if m == nil {
		return
	}
	m.paymentAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) RecoveryEmail(outcome string) {
	if m == nil {
		return
	}
	m.recoveryEmails.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, http.StatusText(code)).Inc()
}
