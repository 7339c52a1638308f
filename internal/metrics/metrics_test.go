package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/internal/metrics"
)

func TestCollectorsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.TaskHandled("workflow", "ok")
	m.TaskHandled("workflow", "ok")
	m.ActivityAttempt("Fetch", "failed")
	m.DeterminismViolation()
	m.AppendConflict("run/a/b")
	m.ObserveReplay(3 * time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["durableflow_tasks_total"])
	assert.True(t, names["durableflow_activity_attempts_total"])
	assert.True(t, names["durableflow_determinism_violations_total"])
	assert.True(t, names["durableflow_history_append_conflicts_total"])
	assert.True(t, names["durableflow_replay_duration_seconds"])

	series, err := testutil.GatherAndCount(reg, "durableflow_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
	for _, f := range families {
		if f.GetName() == "durableflow_tasks_total" {
			assert.Equal(t, 2.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.TaskHandled("timer", "ok")
		m.ActivityAttempt("x", "ok")
		m.DeterminismViolation()
		m.AppendConflict("log")
		m.ObserveReplay(time.Second)
	})
}
