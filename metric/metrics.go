// Package metric defines the Prometheus collectors shared across the
// service.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts review state transitions by outcome.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Name:      "review_transitions_total",
		Help:      "Review state transitions by action and outcome.",
	}, []string{"action", "outcome"})

	// CouncilVerdicts counts council rule evaluations by verdict.
	CouncilVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Name:      "council_verdicts_total",
		Help:      "Council rule evaluations by rule and verdict.",
	}, []string{"rule", "verdict"})

	// JudgeCalls counts individual judge model calls by result.
	JudgeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Name:      "judge_calls_total",
		Help:      "Judge model calls by model and result.",
	}, []string{"model", "result"})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route, and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskgate",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
