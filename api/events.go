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

package api

import (
	"time"

	"github.com/DeluxeOwl/chronicle/event"
)

// Event is a history payload. The event name doubles as the event kind.
type Event interface {
	event.Any

	isHistoryEvent()
}

// CommandEvent is an event recorded as the result of a command. Replay
// compares the kind and identity against the command emitted at the same seq.
type CommandEvent interface {
	Event
	CommandSeq() int64
	CommandIdentity() (CommandKind, string)
}

// HistoryEvent is a decoded record of a run log.
type HistoryEvent struct {
	Seq       uint64
	Timestamp time.Time
	Event     Event
}

func (h HistoryEvent) Kind() string { return h.Event.EventName() }

// Failure is the serialized form of an error crossing a history boundary.
type Failure struct {
	Kind         string   `json:"kind"`
	Message      string   `json:"message"`
	NonRetryable bool     `json:"non_retryable,omitempty"`
	Cause        *Failure `json:"cause,omitempty"`

	// Details holds the typed fields of the error the failure was built from.
	Details map[string]string `json:"details,omitempty"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Kind == "" {
		return f.Message
	}
	return f.Kind + ": " + f.Message
}

// ParentRef links a child run back to the command that spawned it.
type ParentRef struct {
	InstanceID InstanceID `json:"instance_id"`
	RunID      RunID      `json:"run_id"`
	Seq        int64      `json:"seq"`
}

// --- process lifecycle ---

type ProcessStarted struct {
	InstanceID         InstanceID `json:"instance_id"`
	RunID              RunID      `json:"run_id"`
	Type               string     `json:"type"`
	Input              []any      `json:"input"`
	TaskQueue          string     `json:"task_queue"`
	ExecutionTimeoutMs int64      `json:"execution_timeout_ms,omitempty"`
	// DeadlineMs is the chain's absolute deadline in unix milliseconds. Only
	// continued runs carry it; a first run's deadline is its start time plus
	// ExecutionTimeoutMs.
	DeadlineMs         int64      `json:"deadline_ms,omitempty"`
	Parent             *ParentRef `json:"parent,omitempty"`
	ContinuedFrom      RunID      `json:"continued_from,omitempty"`
	CascadeCancel      bool       `json:"cascade_cancel,omitempty"`
}

func (*ProcessStarted) EventName() string { return "process/started" }
func (*ProcessStarted) isHistoryEvent()   {}

// ProcessTaskCompleted marks the end of one workflow task pass. Inbound events
// after the last marker are what the next pass has to process.
type ProcessTaskCompleted struct {
	ProcessedThrough uint64 `json:"processed_through"`
	Worker           string `json:"worker,omitempty"`
}

func (*ProcessTaskCompleted) EventName() string { return "process/task-completed" }
func (*ProcessTaskCompleted) isHistoryEvent()   {}

type CancelRequested struct {
	Reason  string `json:"reason,omitempty"`
	GraceMs int64  `json:"grace_ms"`
}

func (*CancelRequested) EventName() string { return "process/cancel-requested" }
func (*CancelRequested) isHistoryEvent()   {}

type ProcessCompleted struct {
	Result any `json:"result"`
}

func (*ProcessCompleted) EventName() string { return "process/completed" }
func (*ProcessCompleted) isHistoryEvent()   {}

type ProcessFailed struct {
	Failure Failure `json:"failure"`
}

func (*ProcessFailed) EventName() string { return "process/failed" }
func (*ProcessFailed) isHistoryEvent()   {}

type ProcessTimedOut struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

func (*ProcessTimedOut) EventName() string { return "process/timed-out" }
func (*ProcessTimedOut) isHistoryEvent()   {}

type ProcessCanceled struct {
	Reason string `json:"reason,omitempty"`
}

func (*ProcessCanceled) EventName() string { return "process/canceled" }
func (*ProcessCanceled) isHistoryEvent()   {}

type ProcessTerminated struct {
	Reason string `json:"reason"`
}

func (*ProcessTerminated) EventName() string { return "process/terminated" }
func (*ProcessTerminated) isHistoryEvent()   {}

// ContinuedAsNew closes the run. The successor run is seeded only from the
// fields carried here.
type ContinuedAsNew struct {
	NewRunID           RunID  `json:"new_run_id"`
	Type               string `json:"type"`
	Input              []any  `json:"input"`
	TaskQueue          string `json:"task_queue"`
	ExecutionTimeoutMs int64  `json:"execution_timeout_ms,omitempty"`
}

func (*ContinuedAsNew) EventName() string { return "process/continued-as-new" }
func (*ContinuedAsNew) isHistoryEvent()   {}

// --- activities ---

type ActivityScheduled struct {
	Seq                   int64        `json:"seq"`
	Name                  string       `json:"name"`
	Input                 []any        `json:"input"`
	TaskQueue             string       `json:"task_queue"`
	IdempotencyKey        string       `json:"idempotency_key"`
	StartToCloseTimeoutMs int64        `json:"start_to_close_timeout_ms,omitempty"`
	HeartbeatTimeoutMs    int64        `json:"heartbeat_timeout_ms,omitempty"`
	RetryPolicy           *RetryPolicy `json:"retry_policy,omitempty"`
}

func (*ActivityScheduled) EventName() string { return "activity/scheduled" }
func (*ActivityScheduled) isHistoryEvent()   {}
func (e *ActivityScheduled) CommandSeq() int64 { return e.Seq }
func (e *ActivityScheduled) CommandIdentity() (CommandKind, string) {
	return CommandScheduleActivity, e.Name
}

type ActivityStarted struct {
	Seq     int64  `json:"seq"`
	Attempt int32  `json:"attempt"`
	Worker  string `json:"worker,omitempty"`
}

func (*ActivityStarted) EventName() string { return "activity/started" }
func (*ActivityStarted) isHistoryEvent()   {}

type ActivityCompleted struct {
	Seq     int64 `json:"seq"`
	Attempt int32 `json:"attempt"`
	Result  any   `json:"result"`
}

func (*ActivityCompleted) EventName() string { return "activity/completed" }
func (*ActivityCompleted) isHistoryEvent()   {}

// ActivityFailed records one failed attempt together with the retry decision
// taken for it, so replay never has to recompute the decision.
type ActivityFailed struct {
	Seq             int64   `json:"seq"`
	Attempt         int32   `json:"attempt"`
	Failure         Failure `json:"failure"`
	Retry           bool    `json:"retry"`
	NextAttemptAtMs int64   `json:"next_attempt_at_ms,omitempty"`
}

func (*ActivityFailed) EventName() string { return "activity/failed" }
func (*ActivityFailed) isHistoryEvent()   {}

type ActivityTimedOut struct {
	Seq             int64  `json:"seq"`
	Attempt         int32  `json:"attempt"`
	TimeoutType     string `json:"timeout_type"`
	Retry           bool   `json:"retry"`
	NextAttemptAtMs int64  `json:"next_attempt_at_ms,omitempty"`
}

func (*ActivityTimedOut) EventName() string { return "activity/timed-out" }
func (*ActivityTimedOut) isHistoryEvent()   {}

// --- timers ---

type TimerStarted struct {
	Seq        int64 `json:"seq"`
	DurationMs int64 `json:"duration_ms"`
	FireAtMs   int64 `json:"fire_at_ms"`
}

func (*TimerStarted) EventName() string { return "timer/started" }
func (*TimerStarted) isHistoryEvent()   {}
func (e *TimerStarted) CommandSeq() int64 { return e.Seq }
func (e *TimerStarted) CommandIdentity() (CommandKind, string) {
	return CommandStartTimer, ""
}

type TimerFired struct {
	Seq int64 `json:"seq"`
}

func (*TimerFired) EventName() string { return "timer/fired" }
func (*TimerFired) isHistoryEvent()   {}

// --- signals ---

type SignalReceived struct {
	Name     string `json:"name"`
	Payload  any    `json:"payload"`
	Sender   string `json:"sender,omitempty"`
	DedupKey string `json:"dedup_key,omitempty"`
}

func (*SignalReceived) EventName() string { return "signal/received" }
func (*SignalReceived) isHistoryEvent()   {}

type SignalSent struct {
	Seq      int64      `json:"seq"`
	TargetID InstanceID `json:"target_id"`
	Name     string     `json:"name"`
	Payload  any        `json:"payload"`
}

func (*SignalSent) EventName() string { return "signal/sent" }
func (*SignalSent) isHistoryEvent()   {}
func (e *SignalSent) CommandSeq() int64 { return e.Seq }
func (e *SignalSent) CommandIdentity() (CommandKind, string) {
	return CommandSendSignal, string(e.TargetID) + "/" + e.Name
}

type SignalDelivered struct {
	Seq   int64  `json:"seq"`
	Error string `json:"error,omitempty"`
}

func (*SignalDelivered) EventName() string { return "signal/delivered" }
func (*SignalDelivered) isHistoryEvent()   {}

// --- child processes ---

type ChildInitiated struct {
	Seq                int64      `json:"seq"`
	ChildID            InstanceID `json:"child_id"`
	ChildRunID         RunID      `json:"child_run_id"`
	Type               string     `json:"type"`
	Input              []any      `json:"input"`
	TaskQueue          string     `json:"task_queue"`
	CascadeCancel      bool       `json:"cascade_cancel,omitempty"`
	ExecutionTimeoutMs int64      `json:"execution_timeout_ms,omitempty"`
}

func (*ChildInitiated) EventName() string { return "child/initiated" }
func (*ChildInitiated) isHistoryEvent()   {}
func (e *ChildInitiated) CommandSeq() int64 { return e.Seq }
func (e *ChildInitiated) CommandIdentity() (CommandKind, string) {
	return CommandStartChildProcess, e.Type + "/" + string(e.ChildID)
}

type ChildStarted struct {
	Seq        int64 `json:"seq"`
	ChildRunID RunID `json:"child_run_id"`
}

func (*ChildStarted) EventName() string { return "child/started" }
func (*ChildStarted) isHistoryEvent()   {}

type ChildCompleted struct {
	Seq    int64 `json:"seq"`
	Result any   `json:"result"`
}

func (*ChildCompleted) EventName() string { return "child/completed" }
func (*ChildCompleted) isHistoryEvent()   {}

type ChildFailed struct {
	Seq     int64   `json:"seq"`
	RunID   RunID   `json:"run_id,omitempty"`
	Status  Status  `json:"status"`
	Failure Failure `json:"failure"`
}

func (*ChildFailed) EventName() string { return "child/failed" }
func (*ChildFailed) isHistoryEvent()   {}

type ChildCancelRequested struct {
	Seq int64 `json:"seq"`
}

func (*ChildCancelRequested) EventName() string { return "child/cancel-requested" }
func (*ChildCancelRequested) isHistoryEvent()   {}

// --- recorded non-determinism ---

type SideEffectRecorded struct {
	Seq   int64 `json:"seq"`
	Value any   `json:"value"`
}

func (*SideEffectRecorded) EventName() string { return "side-effect/recorded" }
func (*SideEffectRecorded) isHistoryEvent()   {}
func (e *SideEffectRecorded) CommandSeq() int64 { return e.Seq }
func (e *SideEffectRecorded) CommandIdentity() (CommandKind, string) {
	return CommandRecordSideEffect, ""
}

// --- instance log ---

// RunOpened appends a run to the instance's run chain. It carries the full
// start event so any reader can materialize a run whose log is still empty.
type RunOpened struct {
	RunID   RunID          `json:"run_id"`
	Started ProcessStarted `json:"started"`
}

func (*RunOpened) EventName() string { return "instance/run-opened" }
func (*RunOpened) isHistoryEvent()   {}

// RunPurged records that the retention sweep deleted a run log. A purged run
// is never materialized again.
type RunPurged struct {
	RunID RunID `json:"run_id"`
}

func (*RunPurged) EventName() string { return "instance/run-purged" }
func (*RunPurged) isHistoryEvent()   {}

var (
	_ CommandEvent = (*ActivityScheduled)(nil)
	_ CommandEvent = (*TimerStarted)(nil)
	_ CommandEvent = (*SignalSent)(nil)
	_ CommandEvent = (*ChildInitiated)(nil)
	_ CommandEvent = (*SideEffectRecorded)(nil)
)

// NewEventFuncs lists a constructor for every event kind, keyed by name.
func NewEventFuncs() map[string]func() Event {
	fns := []func() Event{
		func() Event { return new(ProcessStarted) },
		func() Event { return new(ProcessTaskCompleted) },
		func() Event { return new(CancelRequested) },
		func() Event { return new(ProcessCompleted) },
		func() Event { return new(ProcessFailed) },
		func() Event { return new(ProcessTimedOut) },
		func() Event { return new(ProcessCanceled) },
		func() Event { return new(ProcessTerminated) },
		func() Event { return new(ContinuedAsNew) },
		func() Event { return new(ActivityScheduled) },
		func() Event { return new(ActivityStarted) },
		func() Event { return new(ActivityCompleted) },
		func() Event { return new(ActivityFailed) },
		func() Event { return new(ActivityTimedOut) },
		func() Event { return new(TimerStarted) },
		func() Event { return new(TimerFired) },
		func() Event { return new(SignalReceived) },
		func() Event { return new(SignalSent) },
		func() Event { return new(SignalDelivered) },
		func() Event { return new(ChildInitiated) },
		func() Event { return new(ChildStarted) },
		func() Event { return new(ChildCompleted) },
		func() Event { return new(ChildFailed) },
		func() Event { return new(ChildCancelRequested) },
		func() Event { return new(SideEffectRecorded) },
		func() Event { return new(RunOpened) },
		func() Event { return new(RunPurged) },
	}
	out := make(map[string]func() Event, len(fns))
	for _, fn := range fns {
		out[fn().EventName()] = fn
	}
	return out
}
