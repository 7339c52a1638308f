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
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/retry"
)

// ExecuteActivity schedules an activity. activityFn is the registered
// function or the name it was registered under.
func ExecuteActivity(ctx Context, activityFn any, args ...any) Future {
	s := stateOf(ctx)
	name, err := functionName(activityFn)
	if err != nil {
		return readyFuture(s, nil, NewApplicationError(KindActivityNotRegistered, err.Error(), true, err))
	}
	opts := getActivityOptions(ctx)
	if opts.IdempotencyKey == "" {
		return readyFuture(s, nil, &ActivityError{
			ActivityName: name,
			Kind:         KindMissingIdempotencyKey,
			Message:      "ActivityOptions.IdempotencyKey is required",
			NonRetryable: true,
		})
	}

	policy := convertRetryPolicyToAPI(opts.RetryPolicy)
	if err := retry.Validate(policy); err != nil {
		return readyFuture(s, nil, &ActivityError{
			ActivityName: name,
			Kind:         KindInvalidRetryPolicy,
			Message:      err.Error(),
			NonRetryable: true,
		})
	}

	seq := s.nextSeq()
	if args == nil {
		args = []any{}
	}
	s.command(&api.ActivityScheduled{
		Seq:                   seq,
		Name:                  name,
		Input:                 args,
		TaskQueue:             opts.TaskQueue,
		IdempotencyKey:        opts.IdempotencyKey,
		StartToCloseTimeoutMs: opts.StartToCloseTimeout.Milliseconds(),
		HeartbeatTimeoutMs:    opts.HeartbeatTimeout.Milliseconds(),
		RetryPolicy:           policy,
	})
	return s.await(seq, name)
}

// NewTimer returns a future that resolves once d of history time has
// passed. Durations under a millisecond resolve immediately.
func NewTimer(ctx Context, d time.Duration) Future {
	s := stateOf(ctx)
	if d.Milliseconds() <= 0 {
		return readyFuture(s, nil, nil)
	}
	seq := s.nextSeq()
	s.command(&api.TimerStarted{Seq: seq, DurationMs: d.Milliseconds()})
	return s.await(seq, "")
}

func Sleep(ctx Context, d time.Duration) error {
	return NewTimer(ctx, d).Get(ctx, nil)
}

// WaitUntil blocks until condition holds or timeout elapses, and reports
// which. A zero timeout waits indefinitely.
func WaitUntil(ctx Context, condition func() bool, timeout time.Duration) (bool, error) {
	s := stateOf(ctx)
	if condition() {
		return true, nil
	}
	var timer Future
	if timeout > 0 {
		timer = NewTimer(ctx, timeout)
	}
	held := false
	err := s.block(ctx, func() bool {
		if condition() {
			held = true
			return true
		}
		return timer != nil && timer.IsReady()
	})
	return held, err
}

// ExecuteChildWorkflow starts a child workflow. Awaiting the future waits for
// the child to close; dropping it leaves the child running on its own.
func ExecuteChildWorkflow(ctx Context, workflowFn any, args ...any) ChildFuture {
	s := stateOf(ctx)
	name, err := functionName(workflowFn)
	if err != nil {
		return &childFuture{future: readyFuture(s, nil, NewApplicationError(KindWorkflowNotRegistered, err.Error(), true, err))}
	}
	opts := getChildOptions(ctx)
	seq := s.nextSeq()
	id := opts.ID
	if id == "" {
		id = api.ChildInstanceID(s.info.InstanceID, seq)
	}
	if args == nil {
		args = []any{}
	}
	s.childIDs[seq] = id
	s.command(&api.ChildInitiated{
		Seq:                seq,
		ChildID:            id,
		Type:               name,
		Input:              args,
		TaskQueue:          opts.TaskQueue,
		CascadeCancel:      opts.CascadeCancel,
		ExecutionTimeoutMs: opts.ExecutionTimeout.Milliseconds(),
	})
	return &childFuture{future: s.await(seq, name), id: id}
}

// SignalExternalWorkflow sends a signal to another instance. The future
// resolves once the signal is in the target's history, or with an error when
// the target does not exist or is closed.
func SignalExternalWorkflow(ctx Context, id api.InstanceID, name string, payload any) Future {
	s := stateOf(ctx)
	seq := s.nextSeq()
	s.command(&api.SignalSent{Seq: seq, TargetID: id, Name: name, Payload: payload})
	return s.await(seq, name)
}

func SignalChildWorkflow(ctx Context, child ChildFuture, name string, payload any) Future {
	return SignalExternalWorkflow(ctx, child.ID(), name, payload)
}

// SideEffect runs fn once and records its value; a replay returns the
// recorded value without calling fn.
func SideEffect(ctx Context, fn func() any, valuePtr any) error {
	s := stateOf(ctx)
	seq := s.nextSeq()
	var value any
	if rec, ok := s.replayed(seq, api.CommandRecordSideEffect, ""); ok {
		value = rec.(*api.SideEffectRecorded).Value
	} else {
		if s.queryMode {
			panic(errorBlockingFuture{})
		}
		value = fn()
		s.emit(&api.SideEffectRecorded{Seq: seq, Value: value})
	}
	if err := s.converter.Assign(value, valuePtr); err != nil {
		return fmt.Errorf("side effect %d: %w", seq, err)
	}
	return nil
}

// NewUUID returns a recorded V7 uuid.
func NewUUID(ctx Context) (uuid.UUID, error) {
	var s string
	err := SideEffect(ctx, func() any { return uuid.Must(uuid.NewV7()).String() }, &s)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromString(s)
}

// NewRandom returns a generator seeded from a recorded value. Everything it
// yields is identical across replays.
func NewRandom(ctx Context) (*rand.Rand, error) {
	var seed int64
	// The seed stays below 2^53 so json serde round-trips it exactly.
	if err := SideEffect(ctx, func() any { return rand.Int64N(1 << 53) }, &seed); err != nil {
		return nil, err
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)), nil
}

// NewContinueAsNewError closes the run and starts a new one of the same
// workflow with args as input.
func NewContinueAsNewError(ctx Context, args ...any) error {
	s := stateOf(ctx)
	if args == nil {
		args = []any{}
	}
	return &ContinueAsNewError{
		Type:             s.info.Type,
		Input:            args,
		TaskQueue:        s.info.TaskQueue,
		ExecutionTimeout: time.Duration(s.started.ExecutionTimeoutMs) * time.Millisecond,
	}
}
