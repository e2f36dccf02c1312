// Package metrics exposes Prometheus instrumentation for the
// governance pipeline: governor decisions, policy outcomes, step
// durations, and emitted receipts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	governorDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ger_governor_decisions_total",
		Help: "Governor decisions by outcome.",
	}, []string{"decision"})

	governorBreakerOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ger_governor_breaker_opened_total",
		Help: "Times the governor circuit breaker transitioned to open.",
	})

	policyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ger_policy_decisions_total",
		Help: "Policy engine decisions by outcome code.",
	}, []string{"code"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ger_executor_step_duration_seconds",
		Help:    "Executor step duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action", "status"})

	receiptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ger_receipts_total",
		Help: "Receipts emitted by status.",
	}, []string{"status"})
)

// GovernorDecision records a governor check outcome.
func GovernorDecision(decision string) {
	governorDecisions.WithLabelValues(decision).Inc()
}

// GovernorBreakerOpened records a breaker-open transition.
func GovernorBreakerOpened() {
	governorBreakerOpened.Inc()
}

// PolicyDecision records a policy engine outcome code ("ALLOW" or a
// denial/approval reason code).
func PolicyDecision(code string) {
	policyDecisions.WithLabelValues(code).Inc()
}

// StepDuration records one executor step's duration in seconds.
func StepDuration(action, status string, seconds float64) {
	stepDuration.WithLabelValues(action, status).Observe(seconds)
}

// ReceiptEmitted records a terminal receipt by status.
func ReceiptEmitted(status string) {
	receiptsTotal.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus HTTP handler for a metrics endpoint,
// used by `ger serve-metrics`.
func Handler() http.Handler {
	return promhttp.Handler()
}
