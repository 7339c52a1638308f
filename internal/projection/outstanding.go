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

// Package projection derives the work a run log still implies. Derivation is
// a pure function of the history, so it can run after every append and again
// on every redelivery; task keys make the repeats harmless.
package projection

import (
	"fmt"
	"time"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/history"
)

type Options struct {
	// Retention is how long a closed run log is kept. Zero disables the
	// retention task.
	Retention time.Duration
}

// Outstanding lists the tasks implied by a run log that have not yet
// produced their acknowledging event.
func Outstanding(evs history.Events, opts Options) []api.Task {
	started := evs.Started()
	if started == nil {
		return nil
	}
	d := deriver{started: started, queue: started.TaskQueue}
	if d.queue == "" {
		d.queue = api.DefaultTaskQueue
	}

	if status, closedAt, closed := evs.Closed(); closed {
		return d.closedTasks(evs, status, closedAt, opts)
	}

	var tasks []api.Task
	if t, ok := d.workflowTask(evs); ok {
		tasks = append(tasks, t)
	}
	tasks = append(tasks, d.activityTasks(evs)...)
	tasks = append(tasks, d.timerTasks(evs)...)
	tasks = append(tasks, d.childTasks(evs)...)
	tasks = append(tasks, d.signalTasks(evs)...)
	tasks = append(tasks, d.lifecycleTasks(evs)...)
	return tasks
}

type deriver struct {
	started *api.ProcessStarted
	queue   string
}

func (d deriver) task(kind api.TaskKind, key string) api.Task {
	return api.Task{
		Key:        fmt.Sprintf("%s:%s:%s:%s", kind, d.started.InstanceID, d.started.RunID, key),
		Kind:       kind,
		TaskQueue:  d.queue,
		InstanceID: d.started.InstanceID,
		RunID:      d.started.RunID,
	}
}

// Wakes reports whether e is something the workflow logic has to observe.
func Wakes(e api.Event) bool {
	switch e := e.(type) {
	case *api.ProcessStarted, *api.TimerFired, *api.SignalReceived, *api.SignalDelivered,
		*api.ChildCompleted, *api.ChildFailed, *api.CancelRequested, *api.ActivityCompleted:
		return true
	case *api.ActivityFailed:
		return !e.Retry
	case *api.ActivityTimedOut:
		return !e.Retry
	}
	return false
}

func (d deriver) workflowTask(evs history.Events) (api.Task, bool) {
	through := evs.ProcessedThrough()
	var last uint64
	for _, he := range evs {
		if he.Seq > through && Wakes(he.Event) {
			last = he.Seq
		}
	}
	if last == 0 {
		return api.Task{}, false
	}
	t := d.task(api.TaskWorkflow, fmt.Sprint(last))
	t.LeaseKey = api.RunLogID(d.started.InstanceID, d.started.RunID)
	return t, true
}

type attemptState struct {
	scheduled *api.ActivityScheduled
	attempt   int32
	notBefore int64
	done      bool
}

func (d deriver) activityTasks(evs history.Events) []api.Task {
	var order []int64
	state := map[int64]*attemptState{}
	for _, he := range evs {
		switch e := he.Event.(type) {
		case *api.ActivityScheduled:
			state[e.Seq] = &attemptState{scheduled: e, attempt: 1}
			order = append(order, e.Seq)
		case *api.ActivityCompleted:
			if st, ok := state[e.Seq]; ok && e.Attempt == st.attempt {
				st.done = true
			}
		case *api.ActivityFailed:
			if st, ok := state[e.Seq]; ok && e.Attempt == st.attempt {
				st.advance(e.Retry, e.NextAttemptAtMs)
			}
		case *api.ActivityTimedOut:
			if st, ok := state[e.Seq]; ok && e.Attempt == st.attempt {
				st.advance(e.Retry, e.NextAttemptAtMs)
			}
		}
	}

	var tasks []api.Task
	for _, seq := range order {
		st := state[seq]
		if st.done {
			continue
		}
		t := d.task(api.TaskActivity, fmt.Sprintf("%d:%d", seq, st.attempt))
		t.Seq = seq
		t.Attempt = st.attempt
		t.NotBeforeMs = st.notBefore
		if st.scheduled.TaskQueue != "" {
			t.TaskQueue = st.scheduled.TaskQueue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func (st *attemptState) advance(retry bool, nextAt int64) {
	if !retry {
		st.done = true
		return
	}
	st.attempt++
	st.notBefore = nextAt
}

func (d deriver) timerTasks(evs history.Events) []api.Task {
	fired := map[int64]bool{}
	for _, he := range evs {
		if e, ok := he.Event.(*api.TimerFired); ok {
			fired[e.Seq] = true
		}
	}
	var tasks []api.Task
	for _, he := range evs {
		e, ok := he.Event.(*api.TimerStarted)
		if !ok || fired[e.Seq] {
			continue
		}
		t := d.task(api.TaskTimer, fmt.Sprint(e.Seq))
		t.Seq = e.Seq
		t.NotBeforeMs = e.FireAtMs
		tasks = append(tasks, t)
	}
	return tasks
}

func (d deriver) childTasks(evs history.Events) []api.Task {
	var (
		initiated []*api.ChildInitiated
		started   = map[int64]bool{}
		finished  = map[int64]bool{}
		canceled  = map[int64]bool{}
		cancelReq bool
	)
	for _, he := range evs {
		switch e := he.Event.(type) {
		case *api.ChildInitiated:
			initiated = append(initiated, e)
		case *api.ChildStarted:
			started[e.Seq] = true
		case *api.ChildCompleted:
			finished[e.Seq] = true
		case *api.ChildFailed:
			finished[e.Seq] = true
		case *api.ChildCancelRequested:
			canceled[e.Seq] = true
		case *api.CancelRequested:
			cancelReq = true
		}
	}

	var tasks []api.Task
	for _, c := range initiated {
		if finished[c.Seq] {
			continue
		}
		if !started[c.Seq] {
			t := d.task(api.TaskStartChild, fmt.Sprint(c.Seq))
			t.Seq = c.Seq
			tasks = append(tasks, t)
			continue
		}
		if cancelReq && c.CascadeCancel && !canceled[c.Seq] {
			t := d.task(api.TaskCancelChild, fmt.Sprint(c.Seq))
			t.Seq = c.Seq
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func (d deriver) signalTasks(evs history.Events) []api.Task {
	delivered := map[int64]bool{}
	for _, he := range evs {
		if e, ok := he.Event.(*api.SignalDelivered); ok {
			delivered[e.Seq] = true
		}
	}
	var tasks []api.Task
	for _, he := range evs {
		e, ok := he.Event.(*api.SignalSent)
		if !ok || delivered[e.Seq] {
			continue
		}
		t := d.task(api.TaskDeliverSignal, fmt.Sprint(e.Seq))
		t.Seq = e.Seq
		tasks = append(tasks, t)
	}
	return tasks
}

// lifecycleTasks covers the deadlines of an open run.
func (d deriver) lifecycleTasks(evs history.Events) []api.Task {
	var tasks []api.Task
	if deadline := evs.Deadline(); !deadline.IsZero() {
		t := d.task(api.TaskExecutionTimeout, "run")
		t.NotBeforeMs = deadline.UnixMilli()
		tasks = append(tasks, t)
	}
	for _, he := range evs {
		if e, ok := he.Event.(*api.CancelRequested); ok {
			t := d.task(api.TaskCancelGrace, fmt.Sprint(he.Seq))
			t.Seq = int64(he.Seq)
			t.NotBeforeMs = he.Timestamp.UnixMilli() + e.GraceMs
			tasks = append(tasks, t)
			break
		}
	}
	return tasks
}

// closedTasks covers what a closed run still owes: its successor or parent,
// children and signals committed in the final pass, and the retention sweep.
func (d deriver) closedTasks(evs history.Events, status api.Status, closedAt api.HistoryEvent, opts Options) []api.Task {
	var tasks []api.Task
	switch {
	case status == api.StatusContinuedAsNew:
		tasks = append(tasks, d.task(api.TaskContinueAsNew, "run"))
	case d.started.Parent != nil:
		tasks = append(tasks, d.task(api.TaskNotifyParent, "run"))
	}
	tasks = append(tasks, d.childTasks(evs)...)
	tasks = append(tasks, d.signalTasks(evs)...)
	if opts.Retention > 0 {
		t := d.task(api.TaskRetention, "run")
		t.NotBeforeMs = closedAt.Timestamp.Add(opts.Retention).UnixMilli()
		tasks = append(tasks, t)
	}
	return tasks
}
