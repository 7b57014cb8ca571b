package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the reply task counters.
type Metrics struct {
	results    *prometheus.CounterVec
	behaviors  *prometheus.CounterVec
	contention *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	degraded   *prometheus.CounterVec
}

// NewMetrics builds the task metrics and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replybot",
			Name:      "task_results_total",
			Help:      "Reply task completions by kind and result.",
		}, []string{"kind", "result"}),
		behaviors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replybot",
			Name:      "behavior_selected_total",
			Help:      "Behaviors chosen by the selector.",
		}, []string{"behavior"}),
		contention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replybot",
			Name:      "lock_contention_total",
			Help:      "Reply tasks skipped because the room lock was held.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replybot",
			Name:      "task_duration_seconds",
			Help:      "Wall time of reply tasks that acquired the lock.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replybot",
			Name:      "degraded_inputs_total",
			Help:      "Health or statistics lookups replaced by neutral defaults.",
		}, []string{"input"}),
	}
	if reg != nil {
		reg.MustRegister(m.results, m.behaviors, m.contention, m.duration, m.degraded)
	}
	return m
}
