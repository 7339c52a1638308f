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
	"fmt"
	"time"
)

type TaskKind string

const (
	TaskWorkflow         TaskKind = "workflow"
	TaskActivity         TaskKind = "activity"
	TaskTimer            TaskKind = "timer"
	TaskStartChild       TaskKind = "start-child"
	TaskNotifyParent     TaskKind = "notify-parent"
	TaskDeliverSignal    TaskKind = "deliver-signal"
	TaskCancelChild      TaskKind = "cancel-child"
	TaskContinueAsNew    TaskKind = "continue-as-new"
	TaskCancelGrace      TaskKind = "cancel-grace"
	TaskExecutionTimeout TaskKind = "execution-timeout"
	TaskRetention        TaskKind = "retention"
)

// ControlTaskKinds are handled by every worker polling a task queue; they
// need no registered code.
var ControlTaskKinds = []TaskKind{
	TaskTimer,
	TaskStartChild,
	TaskNotifyParent,
	TaskDeliverSignal,
	TaskCancelChild,
	TaskContinueAsNew,
	TaskCancelGrace,
	TaskExecutionTimeout,
	TaskRetention,
}

// Task is the unit routed through the task queue. Key identifies the task for
// deduplication; LeaseKey, when set, is held exclusively while leased.
type Task struct {
	Key         string     `json:"key"`
	Kind        TaskKind   `json:"kind"`
	TaskQueue   string     `json:"task_queue"`
	InstanceID  InstanceID `json:"instance_id"`
	RunID       RunID      `json:"run_id"`
	Seq         int64      `json:"seq,omitempty"`
	Attempt     int32      `json:"attempt,omitempty"`
	NotBeforeMs int64      `json:"not_before_ms,omitempty"`
	LeaseKey    string     `json:"lease_key,omitempty"`
}

func (t Task) NotBefore() time.Time {
	if t.NotBeforeMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.NotBeforeMs)
}

func (t Task) String() string {
	return fmt.Sprintf("%s(%s)", t.Kind, t.Key)
}

// --- request/reply payloads served by the command handler ---

type CommandType string

const (
	StartCommand     CommandType = "start"
	SignalCommand    CommandType = "signal"
	CancelCommand    CommandType = "cancel"
	TerminateCommand CommandType = "terminate"
	DescribeCommand  CommandType = "describe"
)

type (
	StartRequest struct {
		ID                 InstanceID `json:"id"`
		Type               string     `json:"type"`
		Input              []any      `json:"input"`
		TaskQueue          string     `json:"task_queue"`
		ExecutionTimeoutMs int64      `json:"execution_timeout_ms,omitempty"`
	}

	StartReply struct {
		Error      string     `json:"error,omitempty"`
		InstanceID InstanceID `json:"instance_id"`
		RunID      RunID      `json:"run_id"`
	}

	SignalRequest struct {
		ID      InstanceID `json:"id"`
		Name    string     `json:"name"`
		Payload any        `json:"payload"`
	}

	CancelRequest struct {
		ID      InstanceID `json:"id"`
		Reason  string     `json:"reason"`
		GraceMs int64      `json:"grace_ms,omitempty"`
	}

	TerminateRequest struct {
		ID     InstanceID `json:"id"`
		Reason string     `json:"reason"`
	}

	DescribeRequest struct {
		ID InstanceID `json:"id"`
	}

	// Reply is the generic acknowledgement for commands without a payload.
	Reply struct {
		Error string `json:"error,omitempty"`
	}

	Description struct {
		InstanceID    InstanceID `json:"instance_id"`
		RunID         RunID      `json:"run_id"`
		Type          string     `json:"type"`
		TaskQueue     string     `json:"task_queue"`
		Status        Status     `json:"status"`
		HistoryLength int        `json:"history_length"`
		StartedAt     time.Time  `json:"started_at"`
		ClosedAt      time.Time  `json:"closed_at,omitempty"`
		Runs          int        `json:"runs"`
	}

	DescribeReply struct {
		Error       string       `json:"error,omitempty"`
		Description *Description `json:"description,omitempty"`
	}

	QueryRequest struct {
		InstanceID InstanceID `json:"instance_id"`
		RunID      RunID      `json:"run_id"`
		Type       string     `json:"type"`
		Name       string     `json:"name"`
		Args       []any      `json:"args"`
	}

	QueryReply struct {
		Result    any    `json:"result"`
		Error     string `json:"error,omitempty"`
		ErrorKind string `json:"error_kind,omitempty"`
	}
)

// Query error kinds carried in QueryReply.ErrorKind.
const (
	QueryErrorNotRegistered = "QueryNotRegistered"
	QueryErrorRejected      = "QueryRejected"
)
