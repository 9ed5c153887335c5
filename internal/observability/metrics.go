package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dbagent"

var (
	// stepsTotal counts executed loop steps by action and outcome.
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "agent",
			Name:      "steps_total",
			Help:      "Executed loop steps by action and status.",
		},
		[]string{"action", "status"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Finished runs by outcome (answered, step_budget_exceeded, cancelled).",
		},
		[]string{"outcome"},
	)

	rewritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "agent",
			Name:      "evidence_rewrites_total",
			Help:      "Finish decisions rewritten for lack of evidence, by replacement action.",
		},
		[]string{"action"},
	)

	prematureFinishTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "agent",
			Name:      "premature_finish_total",
			Help:      "Finish decisions rejected because no data backed them.",
		},
	)

	guardRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "guard",
			Name:      "rejections_total",
			Help:      "SQL statements rejected by the guard.",
		},
	)

	executorRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Retried executor calls by operation and error code.",
		},
		[]string{"operation", "code"},
	)

	// decisionDuration measures decision-maker calls.
	//
	// Labels:
	//   - status: "success", "error" or "invalid"
	decisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "decider",
			Name:      "call_duration_seconds",
			Help:      "Duration of decision-maker calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)
)

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func RecordStep(action string, ok bool) {
	stepsTotal.WithLabelValues(action, statusLabel(ok)).Inc()
	update(func(s *Snapshot) { s.Steps++ })
}

func RecordRun(outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
	update(func(s *Snapshot) {
		s.Runs++
		s.LastOutcome = outcome
	})
}

func RecordRewrite(action string) {
	rewritesTotal.WithLabelValues(action).Inc()
}

func RecordPrematureFinish() {
	prematureFinishTotal.Inc()
}

func RecordGuardRejection() {
	guardRejectionsTotal.Inc()
	update(func(s *Snapshot) { s.Rejections++ })
}

func RecordExecutorRetry(operation, code string, attempt int) {
	executorRetriesTotal.WithLabelValues(operation, code).Inc()
}

// RecordDecision records one decision-maker call. status is "success",
// "error" or "invalid".
func RecordDecision(status string, duration time.Duration) {
	decisionDuration.WithLabelValues(status).Observe(duration.Seconds())
}
