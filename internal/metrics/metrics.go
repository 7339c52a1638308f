// Package metrics holds the Prometheus collectors of servers and workers.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "durableflow"

type Metrics struct {
	tasks          *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	violations     prometheus.Counter
	conflicts      prometheus.Counter
	replayDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_attempts_total",
			Help:      "Activity attempts, by activity and outcome.",
		}, []string{"activity", "outcome"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "determinism_violations_total",
			Help:      "Replays that diverged from recorded history.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_append_conflicts_total",
			Help:      "History appends lost to a concurrent writer.",
		}),
		replayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Time spent replaying a run for one workflow task.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.tasks, m.attempts, m.violations, m.conflicts, m.replayDuration)
	}
	return m
}

func (m *Metrics) TaskHandled(kind, outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ActivityAttempt(activity, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(activity, outcome).Inc()
}

func (m *Metrics) DeterminismViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

// AppendConflict has the signature of history.Options.OnConflict.
func (m *Metrics) AppendConflict(string) {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) ObserveReplay(d time.Duration) {
	if m == nil {
		return
	}
	m.replayDuration.Observe(d.Seconds())
}
