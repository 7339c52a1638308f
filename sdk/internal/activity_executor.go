// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/history"
	"github.com/ngnhng/durableflow/internal/retry"
	"github.com/ngnhng/durableflow/internal/taskqueue"
)

// activityExecutor runs one attempt per activity task and records exactly
// one outcome for it.
type activityExecutor struct {
	registry  *Registry
	backend   *backend.Backend
	converter *serde.TypeConverter
	identity  string
	logger    *slog.Logger
}

type attemptOptions struct {
	startToClose time.Duration
	heartbeat    time.Duration
	retryPolicy  *api.RetryPolicy
}

// attemptResolved reports whether the attempt already has its outcome.
func attemptResolved(evs history.Events, seq int64, attempt int32) bool {
	for _, he := range evs {
		switch e := he.Event.(type) {
		case *api.ActivityCompleted:
			if e.Seq == seq && e.Attempt == attempt {
				return true
			}
		case *api.ActivityFailed:
			if e.Seq == seq && e.Attempt >= attempt {
				return true
			}
		case *api.ActivityTimedOut:
			if e.Seq == seq && e.Attempt >= attempt {
				return true
			}
		}
	}
	return false
}

func (x *activityExecutor) handle(ctx context.Context, lease taskqueue.Lease) error {
	task := lease.Task()
	store := x.backend.Store
	logID := api.RunLogID(task.InstanceID, task.RunID)

	evs, _, err := store.ReadRun(ctx, task.InstanceID, task.RunID)
	if errors.Is(err, history.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if evs.IsClosed() || attemptResolved(evs, task.Seq, task.Attempt) {
		return nil
	}
	scheduled, ok := history.Find(evs, func(e *api.ActivityScheduled) bool { return e.Seq == task.Seq })
	if !ok {
		return fmt.Errorf("activity task %s: no activity scheduled at seq %d", task, task.Seq)
	}
	logger := x.logger.With("instance_id", task.InstanceID, "run_id", task.RunID,
		"activity", scheduled.Name, "attempt", task.Attempt)

	_, err = store.Update(ctx, logID, func(cur history.Events) ([]api.Event, error) {
		if cur.IsClosed() || attemptResolved(cur, task.Seq, task.Attempt) {
			return nil, nil
		}
		if _, dup := history.Find(cur, func(e *api.ActivityStarted) bool {
			return e.Seq == task.Seq && e.Attempt == task.Attempt
		}); dup {
			return nil, nil
		}
		return []api.Event{&api.ActivityStarted{Seq: task.Seq, Attempt: task.Attempt, Worker: x.identity}}, nil
	})
	if err != nil {
		return fmt.Errorf("record activity start: %w", err)
	}

	entry, lookupErr := x.registry.activity(scheduled.Name)
	opts := attemptOptions{
		startToClose: time.Duration(scheduled.StartToCloseTimeoutMs) * time.Millisecond,
		heartbeat:    time.Duration(scheduled.HeartbeatTimeoutMs) * time.Millisecond,
		retryPolicy:  scheduled.RetryPolicy,
	}
	if lookupErr == nil {
		opts = withRegisteredDefaults(opts, entry.opts)
	}

	var outcome api.Event
	if lookupErr != nil {
		outcome = x.failed(task, opts, NewApplicationError(KindActivityNotRegistered, lookupErr.Error(), false, nil))
	} else {
		info := ActivityInfo{
			InstanceID:     task.InstanceID,
			RunID:          task.RunID,
			WorkflowType:   evs.Started().Type,
			ActivityName:   scheduled.Name,
			TaskQueue:      task.TaskQueue,
			Seq:            task.Seq,
			Attempt:        task.Attempt,
			IdempotencyKey: scheduled.IdempotencyKey,
		}
		outcome, err = x.attempt(ctx, lease, info, entry, scheduled.Input, opts, logger)
		if err != nil {
			return err
		}
	}

	after, err := store.Update(ctx, logID, func(cur history.Events) ([]api.Event, error) {
		if cur.IsClosed() || attemptResolved(cur, task.Seq, task.Attempt) {
			return nil, nil
		}
		return []api.Event{outcome}, nil
	})
	if err != nil {
		return fmt.Errorf("record activity outcome: %w", err)
	}
	x.backend.Metrics.ActivityAttempt(scheduled.Name, outcomeLabel(outcome))
	logger.Debug("activity attempt recorded", "outcome", outcome.EventName())
	return x.backend.Dispatcher.Dispatch(ctx, after)
}

func withRegisteredDefaults(o attemptOptions, reg ActivityRegisterOptions) attemptOptions {
	if o.startToClose <= 0 {
		o.startToClose = reg.StartToCloseTimeout
	}
	if o.heartbeat <= 0 {
		o.heartbeat = reg.HeartbeatTimeout
	}
	if o.retryPolicy == nil {
		o.retryPolicy = convertRetryPolicyToAPI(reg.RetryPolicy)
	}
	return o
}

type activityResult struct {
	value any
	err   error
}

// attempt runs the activity function under its timeouts. A returned error
// means the worker is stopping and the attempt has no outcome yet.
func (x *activityExecutor) attempt(
	ctx context.Context,
	lease taskqueue.Lease,
	info ActivityInfo,
	entry activityEntry,
	input []any,
	opts attemptOptions,
	logger *slog.Logger,
) (api.Event, error) {
	task := lease.Task()
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if opts.startToClose > 0 {
		actx, cancel = context.WithTimeout(ctx, opts.startToClose)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	beats := make(chan struct{}, 1)
	actx = withActivityInfo(actx, info, func() {
		select {
		case beats <- struct{}{}:
		default:
		}
	})

	done := make(chan activityResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- activityResult{err: NewApplicationError(KindPanic, fmt.Sprint(r), false, nil)}
			}
		}()
		v, err := x.call(actx, entry, input)
		done <- activityResult{value: v, err: err}
	}()

	var (
		heartbeatC <-chan time.Time
		onBeat     = func() {}
	)
	if opts.heartbeat > 0 {
		hb := time.NewTimer(opts.heartbeat)
		defer hb.Stop()
		heartbeatC = hb.C
		onBeat = func() { hb.Reset(opts.heartbeat) }
	}

	ttl := x.backend.LeaseTTL
	if ttl <= 0 {
		ttl = taskqueue.DefaultLeaseTTL
	}
	extend := time.NewTicker(ttl / 3)
	defer extend.Stop()

	for {
		select {
		case r := <-done:
			if r.err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A result that lands after the deadline is discarded.
			if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
				logger.Warn("activity exceeded its start-to-close timeout", "timeout", opts.startToClose)
				return x.timedOut(task, opts, TimeoutStartToClose), nil
			}
			if r.err == nil {
				return &api.ActivityCompleted{Seq: task.Seq, Attempt: task.Attempt, Result: r.value}, nil
			}
			logger.Warn("activity attempt failed", "error", r.err)
			return x.failed(task, opts, r.err), nil
		case <-beats:
			onBeat()
		case <-heartbeatC:
			logger.Warn("activity missed its heartbeat", "heartbeat_timeout", opts.heartbeat)
			return x.timedOut(task, opts, TimeoutHeartbeat), nil
		case <-actx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("activity exceeded its start-to-close timeout", "timeout", opts.startToClose)
			return x.timedOut(task, opts, TimeoutStartToClose), nil
		case <-extend.C:
			if err := lease.Extend(ctx); err != nil {
				logger.Warn("extend activity lease", "error", err)
			}
		}
	}
}

// call invokes the activity function with its decoded input.
func (x *activityExecutor) call(ctx context.Context, entry activityEntry, input []any) (any, error) {
	fnt := entry.fn.Type()
	if fnt.NumIn() != len(input)+1 {
		return nil, NewApplicationError(KindInvalidArguments,
			fmt.Sprintf("activity expects %d arguments, got %d", fnt.NumIn()-1, len(input)), true, nil)
	}

	callArgs := make([]reflect.Value, len(input)+1)
	callArgs[0] = reflect.ValueOf(ctx)
	for idx, arg := range input {
		converted, err := x.converter.Convert(arg, fnt.In(idx+1))
		if err != nil {
			return nil, NewApplicationError(KindInvalidArguments,
				fmt.Sprintf("failed to convert parameter %d: %v", idx, err), true, nil)
		}
		callArgs[idx+1] = converted
	}

	results := entry.fn.Call(callArgs)
	if errv := results[len(results)-1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if len(results) == 2 {
		return results[0].Interface(), nil
	}
	return nil, nil
}

func (x *activityExecutor) failed(task api.Task, opts attemptOptions, err error) api.Event {
	f := toFailure(err)
	d := retry.NextDelay(task.Attempt, f, opts.retryPolicy)
	e := &api.ActivityFailed{Seq: task.Seq, Attempt: task.Attempt, Failure: f, Retry: d.Retry}
	if d.Retry {
		e.NextAttemptAtMs = x.backend.Store.Now().Add(d.Delay).UnixMilli()
	}
	return e
}

func (x *activityExecutor) timedOut(task api.Task, opts attemptOptions, typ TimeoutType) api.Event {
	f := toFailure(&TimeoutError{Type: typ})
	d := retry.NextDelay(task.Attempt, f, opts.retryPolicy)
	e := &api.ActivityTimedOut{Seq: task.Seq, Attempt: task.Attempt, TimeoutType: string(typ), Retry: d.Retry}
	if d.Retry {
		e.NextAttemptAtMs = x.backend.Store.Now().Add(d.Delay).UnixMilli()
	}
	return e
}

func outcomeLabel(e api.Event) string {
	switch e := e.(type) {
	case *api.ActivityCompleted:
		return "completed"
	case *api.ActivityFailed:
		if e.Retry {
			return "retried"
		}
		return "failed"
	case *api.ActivityTimedOut:
		return "timed_out"
	}
	return "unknown"
}
