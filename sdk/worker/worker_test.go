package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/history"
	"github.com/ngnhng/durableflow/sdk/activity"
	"github.com/ngnhng/durableflow/sdk/client"
	"github.com/ngnhng/durableflow/sdk/worker"
	"github.com/ngnhng/durableflow/sdk/workflow"
)

type env struct {
	t       *testing.T
	backend *backend.Backend
	worker  worker.Worker
	client  client.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, backend.Options{})
}

func newEnvWith(t *testing.T, opts backend.Options) *env {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	opts.Logger = logger
	b := backend.NewMemory(opts)
	t.Cleanup(func() { b.Close() })

	c, err := client.NewClient(&client.Options{Backend: b})
	require.NoError(t, err)
	return &env{t: t, backend: b, worker: worker.New(b, worker.Options{Logger: logger}), client: c}
}

// run starts the worker and stops it when the test ends.
func (e *env) run() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.worker.Run(ctx) }()
	e.t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(e.t, err)
		case <-time.After(5 * time.Second):
			e.t.Error("worker did not stop")
		}
	})
}

func (e *env) events(id api.InstanceID, run api.RunID) []api.HistoryEvent {
	e.t.Helper()
	evs, _, err := e.backend.Store.ReadRun(context.Background(), id, run)
	require.NoError(e.t, err)
	return evs
}

func waitCtx(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func stepOptions(ctx workflow.Context, key string, policy *workflow.RetryPolicy) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		IdempotencyKey:      key,
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         policy,
	})
}

func TestPipelineRetriesFlakyStep(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for real retry delays")
	}
	e := newEnv(t)

	var bCalls atomic.Int32
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context, in string) (string, error) {
		return in + "a", nil
	}, worker.RegisterActivityOptions{Name: "A"}))
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context, in string) (string, error) {
		if bCalls.Add(1) <= 2 {
			return "", activity.NewError("Flaky", "not yet", nil)
		}
		return in + "b", nil
	}, worker.RegisterActivityOptions{Name: "B"}))
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context, in string) (string, error) {
		return in + "c", nil
	}, worker.RegisterActivityOptions{Name: "C"}))

	policy := &workflow.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumAttempts: 3}
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context, in string) (string, error) {
		out := in
		for _, step := range []string{"A", "B", "C"} {
			sctx := stepOptions(ctx, "pipeline-"+step, policy)
			if err := workflow.ExecuteActivity(sctx, step, out).Get(sctx, &out); err != nil {
				return "", err
			}
		}
		return out, nil
	}, worker.RegisterWorkflowOptions{Name: "Pipeline"}))
	e.run()

	ctx := waitCtx(t, 20*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "pipeline-1"}, "Pipeline", "x")
	require.NoError(t, err)

	var result string
	require.NoError(t, exec.Get(ctx, &result))
	assert.Equal(t, "xabc", result)
	assert.Equal(t, int32(3), bCalls.Load())

	evs := e.events(exec.ID, exec.RunID)
	var bSeq int64 = -1
	for _, ev := range evs {
		if s, ok := ev.Event.(*api.ActivityScheduled); ok && s.Name == "B" {
			bSeq = s.Seq
		}
	}
	require.NotEqual(t, int64(-1), bSeq)

	var (
		failures []api.HistoryEvent
		starts   []time.Time
	)
	for _, ev := range evs {
		switch x := ev.Event.(type) {
		case *api.ActivityFailed:
			if x.Seq == bSeq {
				failures = append(failures, ev)
			}
		case *api.ActivityStarted:
			if x.Seq == bSeq {
				starts = append(starts, ev.Timestamp)
			}
		}
	}
	require.Len(t, failures, 2)
	require.Len(t, starts, 3)
	for i, want := range []int64{1000, 2000} {
		f := failures[i].Event.(*api.ActivityFailed)
		assert.True(t, f.Retry)
		assert.Equal(t, int32(i+1), f.Attempt)
		assert.InDelta(t, want, f.NextAttemptAtMs-failures[i].Timestamp.UnixMilli(), 200)
	}
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), time.Second)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[1]), 2*time.Second)

	_, closed, ok := history.Events(evs).Closed()
	require.True(t, ok)
	assert.IsType(t, &api.ProcessCompleted{}, closed.Event)
}

func TestRetriesExhaustedFailTheRun(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context) error {
		calls.Add(1)
		return activity.NewError("Broken", "always", nil)
	}, worker.RegisterActivityOptions{Name: "Broken"}))
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) error {
		ctx = stepOptions(ctx, "broken", &workflow.RetryPolicy{InitialInterval: 10 * time.Millisecond, BackoffCoefficient: 1, MaximumAttempts: 2})
		return workflow.ExecuteActivity(ctx, "Broken").Get(ctx, nil)
	}, worker.RegisterWorkflowOptions{Name: "Fails"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "fails-1"}, "Fails")
	require.NoError(t, err)

	err = exec.Get(ctx, nil)
	var pe *client.WorkflowExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, api.StatusFailed, pe.Status)
	var ae *workflow.ActivityError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, int32(2), calls.Load())

	var failed []*api.ActivityFailed
	for _, ev := range e.events(exec.ID, exec.RunID) {
		if f, ok := ev.Event.(*api.ActivityFailed); ok {
			failed = append(failed, f)
		}
	}
	require.Len(t, failed, 2)
	assert.True(t, failed[0].Retry)
	assert.False(t, failed[1].Retry)
}

func TestMissingIdempotencyKeyFailsActivity(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context) error { return nil },
		worker.RegisterActivityOptions{Name: "Noop"}))
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) (string, error) {
		err := workflow.ExecuteActivity(ctx, "Noop").Get(ctx, nil)
		var ae *workflow.ActivityError
		if errors.As(err, &ae) {
			return ae.Kind, nil
		}
		return "", err
	}, worker.RegisterWorkflowOptions{Name: "NoKey"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "nokey-1"}, "NoKey")
	require.NoError(t, err)
	var kind string
	require.NoError(t, exec.Get(ctx, &kind))
	assert.Equal(t, workflow.KindMissingIdempotencyKey, kind)

	for _, ev := range e.events(exec.ID, exec.RunID) {
		assert.NotEqual(t, "activity/scheduled", ev.Kind())
	}
}

func TestContinueAsNewStartsFreshHistory(t *testing.T) {
	const iterations = 3
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context, generation int) (int, error) {
		for range iterations {
			if err := workflow.Sleep(ctx, 5*time.Millisecond); err != nil {
				return 0, err
			}
		}
		if generation < 2 {
			return 0, workflow.NewContinueAsNewError(ctx, generation+1)
		}
		return generation, nil
	}, worker.RegisterWorkflowOptions{Name: "Monitor"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "monitor-1"}, "Monitor", 0)
	require.NoError(t, err)

	var generation int
	require.NoError(t, exec.Get(ctx, &generation))
	assert.Equal(t, 2, generation)

	runs, err := e.backend.Instances.Runs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, exec.RunID, runs[0].RunID)

	for i, run := range runs {
		evs := e.events(exec.ID, run.RunID)
		started, ok := evs[0].Event.(*api.ProcessStarted)
		require.True(t, ok, "run %d starts with ProcessStarted", i)
		var starts int
		for _, ev := range evs {
			if _, ok := ev.Event.(*api.ProcessStarted); ok {
				starts++
			}
		}
		assert.Equal(t, 1, starts)
		if i == 0 {
			assert.Empty(t, started.ContinuedFrom)
			continue
		}
		assert.Equal(t, runs[i-1].RunID, started.ContinuedFrom)
		require.Len(t, started.Input, 1)
		assert.EqualValues(t, i, started.Input[0])

		prev := e.events(exec.ID, runs[i-1].RunID)
		can, ok := prev[len(prev)-1].Event.(*api.ContinuedAsNew)
		require.True(t, ok)
		assert.Equal(t, run.RunID, can.NewRunID)
	}
}

func TestExecutionTimeoutBoundsContinuedChain(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context, n int) (int, error) {
		if err := workflow.Sleep(ctx, 300*time.Millisecond); err != nil {
			return 0, err
		}
		if n < 12 {
			return 0, workflow.NewContinueAsNewError(ctx, n+1)
		}
		return n, nil
	}, worker.RegisterWorkflowOptions{Name: "Loop"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "loop-1", ExecutionTimeout: time.Second}, "Loop", 0)
	require.NoError(t, err)

	err = exec.Get(ctx, nil)
	var pe *client.WorkflowExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, api.StatusTimedOut, pe.Status)
	var te *workflow.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, workflow.TimeoutExecution, te.Type)

	runs, err := e.backend.Instances.Runs(ctx, exec.ID)
	require.NoError(t, err)
	require.Greater(t, len(runs), 1)
	assert.Less(t, len(runs), 12)
	deadline := e.events(exec.ID, runs[0].RunID)[0].Timestamp.Add(time.Second).UnixMilli()
	for _, run := range runs[1:] {
		assert.Equal(t, deadline, run.Started.DeadlineMs)
	}
	last := history.Events(e.events(exec.ID, runs[len(runs)-1].RunID))
	assert.Equal(t, api.StatusTimedOut, last.Status())
}

func activityOutcomes(evs []api.HistoryEvent) (timedOut []*api.ActivityTimedOut, completed []*api.ActivityCompleted) {
	for _, ev := range evs {
		switch x := ev.Event.(type) {
		case *api.ActivityTimedOut:
			timedOut = append(timedOut, x)
		case *api.ActivityCompleted:
			completed = append(completed, x)
		}
	}
	return timedOut, completed
}

func TestStalledActivityTimesOutOnHeartbeat(t *testing.T) {
	e := newEnv(t)
	var (
		calls    atomic.Int32
		lateDone atomic.Bool
	)
	release := make(chan struct{})
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			activity.RecordHeartbeat(ctx)
			// Stops heartbeating and ignores ctx.
			<-release
			lateDone.Store(true)
			return "late", nil
		}
		return "fresh", nil
	}, worker.RegisterActivityOptions{Name: "Stall"}))
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) (string, error) {
		ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			IdempotencyKey:      "stall",
			StartToCloseTimeout: 10 * time.Second,
			HeartbeatTimeout:    200 * time.Millisecond,
			RetryPolicy:         &workflow.RetryPolicy{InitialInterval: 10 * time.Millisecond, BackoffCoefficient: 1, MaximumAttempts: 3},
		})
		var out string
		err := workflow.ExecuteActivity(ctx, "Stall").Get(ctx, &out)
		return out, err
	}, worker.RegisterWorkflowOptions{Name: "Staller"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "staller-1"}, "Staller")
	require.NoError(t, err)
	var out string
	require.NoError(t, exec.Get(ctx, &out))
	assert.Equal(t, "fresh", out)

	close(release)
	require.Eventually(t, lateDone.Load, 5*time.Second, 10*time.Millisecond)

	timedOut, completed := activityOutcomes(e.events(exec.ID, exec.RunID))
	require.Len(t, timedOut, 1)
	assert.Equal(t, int32(1), timedOut[0].Attempt)
	assert.Equal(t, string(workflow.TimeoutHeartbeat), timedOut[0].TimeoutType)
	assert.True(t, timedOut[0].Retry)
	require.Len(t, completed, 1)
	assert.Equal(t, int32(2), completed[0].Attempt)
	assert.Equal(t, "fresh", completed[0].Result)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSlowActivityTimesOutStartToClose(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context) (string, error) {
		calls.Add(1)
		// Returns a value after the deadline instead of ctx.Err().
		<-ctx.Done()
		return "too late", nil
	}, worker.RegisterActivityOptions{Name: "Slow"}))
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) (string, error) {
		ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			IdempotencyKey:      "slow",
			StartToCloseTimeout: 100 * time.Millisecond,
			RetryPolicy:         &workflow.RetryPolicy{MaximumAttempts: 1},
		})
		var out string
		err := workflow.ExecuteActivity(ctx, "Slow").Get(ctx, &out)
		return out, err
	}, worker.RegisterWorkflowOptions{Name: "Slowpoke"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "slow-1"}, "Slowpoke")
	require.NoError(t, err)

	err = exec.Get(ctx, nil)
	var pe *client.WorkflowExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, api.StatusFailed, pe.Status)
	var te *workflow.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, workflow.TimeoutStartToClose, te.Type)

	timedOut, completed := activityOutcomes(e.events(exec.ID, exec.RunID))
	require.Len(t, timedOut, 1)
	assert.Equal(t, string(workflow.TimeoutStartToClose), timedOut[0].TimeoutType)
	assert.False(t, timedOut[0].Retry)
	assert.Empty(t, completed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLongActivityKeepsItsLease(t *testing.T) {
	e := newEnvWith(t, backend.Options{LeaseTTL: 150 * time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context) (string, error) {
		calls.Add(1)
		for range 12 {
			activity.RecordHeartbeat(ctx)
			time.Sleep(50 * time.Millisecond)
		}
		return "done", nil
	}, worker.RegisterActivityOptions{Name: "Long"}))
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) (string, error) {
		ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			IdempotencyKey:      "long",
			StartToCloseTimeout: 10 * time.Second,
			HeartbeatTimeout:    time.Second,
		})
		var out string
		err := workflow.ExecuteActivity(ctx, "Long").Get(ctx, &out)
		return out, err
	}, worker.RegisterWorkflowOptions{Name: "Longer"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "long-1"}, "Longer")
	require.NoError(t, err)
	var out string
	require.NoError(t, exec.Get(ctx, &out))
	assert.Equal(t, "done", out)
	assert.Equal(t, int32(1), calls.Load(), "the lease outlived its TTL without redelivery")

	var starts int
	for _, ev := range e.events(exec.ID, exec.RunID) {
		if _, ok := ev.Event.(*api.ActivityStarted); ok {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
}

func TestWaitUntilSignalOrTimeout(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context, timeoutMs int) (bool, error) {
		approved := false
		if err := workflow.SetSignalHandler(ctx, "approve", func(bool) { approved = true }); err != nil {
			return false, err
		}
		return workflow.WaitUntil(ctx, func() bool { return approved }, time.Duration(timeoutMs)*time.Millisecond)
	}, worker.RegisterWorkflowOptions{Name: "Approval"}))
	e.run()
	ctx := waitCtx(t, 10*time.Second)

	t.Run("signal arrives first", func(t *testing.T) {
		exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "approval-1"}, "Approval", 3_600_000)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			for _, ev := range e.events(exec.ID, exec.RunID) {
				if _, ok := ev.Event.(*api.TimerStarted); ok {
					return true
				}
			}
			return false
		}, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, e.client.SignalWorkflow(ctx, exec.ID, "approve", true))

		var held bool
		require.NoError(t, exec.Get(ctx, &held))
		assert.True(t, held)
		for _, ev := range e.events(exec.ID, exec.RunID) {
			assert.NotEqual(t, "timer/fired", ev.Kind())
		}
	})

	t.Run("timeout elapses", func(t *testing.T) {
		exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "approval-2"}, "Approval", 100)
		require.NoError(t, err)
		held := true
		require.NoError(t, exec.Get(ctx, &held))
		assert.False(t, held)
		_, fired := history.Find[*api.TimerFired](history.Events(e.events(exec.ID, exec.RunID)), nil)
		assert.True(t, fired)
	})
}

func TestSignalsDuringActivityAreDrainedInOrder(t *testing.T) {
	e := newEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, e.worker.RegisterActivity(func(ctx context.Context) error {
		close(entered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, worker.RegisterActivityOptions{Name: "Prepare"}))
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) ([]string, error) {
		actx := stepOptions(ctx, "prepare", nil)
		if err := workflow.ExecuteActivity(actx, "Prepare").Get(actx, nil); err != nil {
			return nil, err
		}
		ch := workflow.GetSignalChannel(ctx, "approve")
		var got []string
		for range 2 {
			var v string
			if err := ch.Receive(ctx, &v); err != nil {
				return nil, err
			}
			got = append(got, v)
		}
		var extra string
		ok, err := ch.ReceiveAsync(&extra)
		if err != nil {
			return nil, err
		}
		if ok {
			got = append(got, extra)
		}
		return got, nil
	}, worker.RegisterWorkflowOptions{Name: "Approval"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "approval-1"}, "Approval")
	require.NoError(t, err)

	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("activity never started")
	}
	require.NoError(t, e.client.SignalWorkflow(ctx, exec.ID, "approve", "x"))
	require.NoError(t, e.client.SignalWorkflow(ctx, exec.ID, "approve", "y"))
	close(release)

	var got []string
	require.NoError(t, exec.Get(ctx, &got))
	assert.Equal(t, []string{"x", "y"}, got)

	var names []string
	for _, ev := range e.events(exec.ID, exec.RunID) {
		if s, ok := ev.Event.(*api.SignalReceived); ok {
			names = append(names, fmt.Sprint(s.Payload))
		}
	}
	assert.Equal(t, []string{"x", "y"}, names)
}

func TestQueryReadsCurrentState(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) (int, error) {
		count := 0
		if err := workflow.SetQueryHandler(ctx, "count", func() (int, error) { return count, nil }); err != nil {
			return 0, err
		}
		ch := workflow.GetSignalChannel(ctx, "inc")
		for {
			var n int
			if err := ch.Receive(ctx, &n); err != nil {
				return 0, err
			}
			if n == 0 {
				return count, nil
			}
			count += n
		}
	}, worker.RegisterWorkflowOptions{Name: "Counter"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "counter-1"}, "Counter")
	require.NoError(t, err)
	require.NoError(t, e.client.SignalWorkflow(ctx, exec.ID, "inc", 2))
	require.NoError(t, e.client.SignalWorkflow(ctx, exec.ID, "inc", 3))

	require.Eventually(t, func() bool {
		var n int
		return e.client.QueryWorkflow(ctx, exec.ID, "count", &n) == nil && n == 5
	}, 5*time.Second, 20*time.Millisecond)

	var n int
	err = e.client.QueryWorkflow(ctx, exec.ID, "missing", &n)
	assert.ErrorIs(t, err, client.ErrQueryNotRegistered)

	before := len(e.events(exec.ID, exec.RunID))
	require.NoError(t, e.client.QueryWorkflow(ctx, exec.ID, "count", &n))
	assert.Len(t, e.events(exec.ID, exec.RunID), before, "queries do not write history")

	require.NoError(t, e.client.SignalWorkflow(ctx, exec.ID, "inc", 0))
	require.NoError(t, exec.Get(ctx, &n))
	assert.Equal(t, 5, n)
}

func TestCancelClosesRunAsCanceled(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) error {
		return workflow.Sleep(ctx, time.Hour)
	}, worker.RegisterWorkflowOptions{Name: "Sleeper"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "sleeper-1"}, "Sleeper")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, ev := range e.events(exec.ID, exec.RunID) {
			if _, ok := ev.Event.(*api.TimerStarted); ok {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e.client.CancelWorkflow(ctx, exec.ID, "user"))

	err = exec.Get(ctx, nil)
	var ce *workflow.CancellationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "user", ce.Reason)

	d, err := e.client.DescribeWorkflow(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCanceled, d.Status)
	assert.ErrorIs(t, e.client.SignalWorkflow(ctx, exec.ID, "late", nil), client.ErrWorkflowClosed)
}

func TestCancelGraceTerminatesStubbornRun(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) error {
		return workflow.Sleep(workflow.NewDisconnectedContext(ctx), time.Hour)
	}, worker.RegisterWorkflowOptions{Name: "Stubborn"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "stubborn-1"}, "Stubborn")
	require.NoError(t, err)
	require.NoError(t, e.client.CancelWorkflowWithGrace(ctx, exec.ID, "user", 50*time.Millisecond))

	err = exec.Get(ctx, nil)
	var pe *client.WorkflowExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, api.StatusTerminated, pe.Status)

	var requested *api.CancelRequested
	for _, ev := range e.events(exec.ID, exec.RunID) {
		if cr, ok := ev.Event.(*api.CancelRequested); ok {
			requested = cr
		}
	}
	require.NotNil(t, requested)
	assert.Equal(t, int64(50), requested.GraceMs)
}

func TestTerminateSkipsWorkflowCode(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context) error {
		return workflow.GetSignalChannel(ctx, "never").Receive(ctx, nil)
	}, worker.RegisterWorkflowOptions{Name: "Stuck"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "stuck-1"}, "Stuck")
	require.NoError(t, err)
	require.NoError(t, e.client.TerminateWorkflow(ctx, exec.ID, "ops"))

	err = exec.Get(ctx, nil)
	var pe *client.WorkflowExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, api.StatusTerminated, pe.Status)
}

func TestChildWorkflowResult(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context, n int) (int, error) {
		return n * 2, nil
	}, worker.RegisterWorkflowOptions{Name: "Double"}))
	require.NoError(t, e.worker.RegisterWorkflow(func(ctx workflow.Context, n int) (int, error) {
		cctx := workflow.WithChildOptions(ctx, workflow.ChildOptions{ID: "parent-1-double"})
		var doubled int
		if err := workflow.ExecuteChildWorkflow(cctx, "Double", n).Get(ctx, &doubled); err != nil {
			return 0, err
		}
		return doubled + 1, nil
	}, worker.RegisterWorkflowOptions{Name: "Parent"}))
	e.run()

	ctx := waitCtx(t, 10*time.Second)
	exec, err := e.client.ExecuteWorkflow(ctx, client.StartOptions{ID: "parent-1"}, "Parent", 20)
	require.NoError(t, err)
	var got int
	require.NoError(t, exec.Get(ctx, &got))
	assert.Equal(t, 41, got)

	child, err := e.client.DescribeWorkflow(ctx, "parent-1-double")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, child.Status)
}

func TestRunWithoutRegistrations(t *testing.T) {
	e := newEnv(t)
	assert.ErrorIs(t, e.worker.Run(context.Background()), worker.ErrNoRegistrations)
}

func TestRegisterRejectsInvalidFunctions(t *testing.T) {
	e := newEnv(t)
	assert.ErrorIs(t, e.worker.RegisterWorkflow(func(ctx context.Context) error { return nil }), worker.ErrInvalidFunction)
	assert.ErrorIs(t, e.worker.RegisterActivity("not a func"), worker.ErrInvalidFunction)

	fn := func(ctx context.Context) error { return nil }
	require.NoError(t, e.worker.RegisterActivity(fn, worker.RegisterActivityOptions{Name: "Once"}))
	assert.ErrorIs(t, e.worker.RegisterActivity(fn, worker.RegisterActivityOptions{Name: "Once"}), worker.ErrDuplicateRegistration)

	err := e.worker.RegisterActivity(fn, worker.RegisterActivityOptions{
		Name:        "Shrinking",
		RetryPolicy: &workflow.RetryPolicy{BackoffCoefficient: 0.5},
	})
	assert.ErrorContains(t, err, "backoff coefficient 0.5 is below 1")
}
