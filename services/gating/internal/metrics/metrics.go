// Package metrics provides Prometheus metrics for the gating service.
// Labels are bounded enums; never label by user, item or container id.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mark results.
const (
	MarkAccepted   = "accepted"
	MarkRepeat     = "repeat"
	MarkOutOfOrder = "out_of_order"
	MarkInvalid    = "invalid"
	MarkNotFound   = "not_found"
	MarkError      = "error"
)

// Completion results.
const (
	CompletionNew     = "completed_new"
	CompletionRepeat  = "completed_repeat"
	CompletionPending = "pending"
	CompletionError   = "error"
)

var (
	// MarksTotal counts mark-viewed requests by outcome.
	MarksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slideconfirm_marks_total",
		Help: "Total number of mark-viewed requests, by result.",
	}, []string{"result"})

	// CompletionsTotal counts completion checks by outcome.
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slideconfirm_completions_total",
		Help: "Total number of completion requests, by result.",
	}, []string{"result"})

	ResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slideconfirm_resets_total",
		Help: "Total number of progress resets.",
	})

	// LifecycleTransitionsTotal counts publish/unpublish transitions by target state.
	LifecycleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slideconfirm_lifecycle_transitions_total",
		Help: "Total number of container state transitions, by target state.",
	}, []string{"to"})

	// UnavailableTotal counts operations that failed transiently.
	UnavailableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slideconfirm_unavailable_total",
		Help: "Total number of operations that failed with a transient storage error, by operation.",
	}, []string{"op"})

	// OperationDuration tracks service operation latency.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slideconfirm_operation_duration_seconds",
		Help:    "Latency of gating operations, by operation.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"op"})
)

// ObserveOp records the latency of op since start.
func ObserveOp(op string, start time.Time) {
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
