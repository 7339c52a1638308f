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
	"log/slog"
	"reflect"
	"time"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/history"
)

// workflowState is one pass over a run log. The log is revealed to the
// workflow one event at a time and only while the workflow is blocked, so
// every pass observes the same prefix at the same point of the code.
type workflowState struct {
	info    Info
	started *api.ProcessStarted
	root    Context

	history history.Events
	cursor  int
	now     time.Time

	// recorded holds the command events of the whole log by sequence.
	recorded    map[int64]api.CommandEvent
	maxRecorded int64
	seq         int64
	commands    []api.Command

	pending   map[int64]*future
	early     map[int64]api.Event
	childIDs  map[int64]api.InstanceID
	childRuns map[int64]api.RunID

	signalQueue    map[string][]any
	signalHandlers map[string]reflect.Value
	queryHandlers  map[string]reflect.Value
	inHandler      string

	canceled     bool
	cancelReason string

	// queryMode stops the pass at the first command the log does not hold.
	queryMode bool

	panicStack []byte

	converter *serde.TypeConverter
	logger    *slog.Logger
}

func newWorkflowState(evs history.Events, converter *serde.TypeConverter, logger *slog.Logger) *workflowState {
	started := evs.Started()
	s := &workflowState{
		info: Info{
			InstanceID:    started.InstanceID,
			RunID:         started.RunID,
			Type:          started.Type,
			TaskQueue:     started.TaskQueue,
			ContinuedFrom: started.ContinuedFrom,
			Parent:        started.Parent,
		},
		started:        started,
		history:        evs,
		recorded:       map[int64]api.CommandEvent{},
		pending:        map[int64]*future{},
		early:          map[int64]api.Event{},
		childIDs:       map[int64]api.InstanceID{},
		childRuns:      map[int64]api.RunID{},
		signalQueue:    map[string][]any{},
		signalHandlers: map[string]reflect.Value{},
		queryHandlers:  map[string]reflect.Value{},
		converter:      converter,
		logger:         logger,
	}
	if s.info.TaskQueue == "" {
		s.info.TaskQueue = api.DefaultTaskQueue
	}
	for _, he := range evs {
		if c, ok := he.Event.(api.CommandEvent); ok {
			s.recorded[c.CommandSeq()] = c
			s.maxRecorded = max(s.maxRecorded, c.CommandSeq())
		}
	}
	return s
}

func (s *workflowState) replaying() bool {
	return s.queryMode || s.cursor < len(s.history)
}

// revealNext makes the next event visible. It reports false at the end of
// the log.
func (s *workflowState) revealNext() bool {
	if s.cursor >= len(s.history) {
		return false
	}
	he := s.history[s.cursor]
	s.cursor++
	s.now = he.Timestamp
	s.apply(he.Event)
	return true
}

func (s *workflowState) apply(e api.Event) {
	switch e := e.(type) {
	case *api.ActivityCompleted:
		s.settle(e.Seq, e)
	case *api.ActivityFailed:
		if !e.Retry {
			s.settle(e.Seq, e)
		}
	case *api.ActivityTimedOut:
		if !e.Retry {
			s.settle(e.Seq, e)
		}
	case *api.TimerFired:
		s.settle(e.Seq, e)
	case *api.SignalDelivered:
		s.settle(e.Seq, e)
	case *api.ChildStarted:
		s.childRuns[e.Seq] = e.ChildRunID
	case *api.ChildCompleted:
		s.settle(e.Seq, e)
	case *api.ChildFailed:
		s.settle(e.Seq, e)
	case *api.SignalReceived:
		s.receiveSignal(e)
	case *api.CancelRequested:
		if !s.canceled {
			s.canceled = true
			s.cancelReason = e.Reason
		}
	}
}

// settle resolves the future waiting on seq, or parks the outcome until the
// workflow creates that future.
func (s *workflowState) settle(seq int64, e api.Event) {
	f, ok := s.pending[seq]
	if !ok {
		s.early[seq] = e
		return
	}
	delete(s.pending, seq)
	f.resolveFrom(e)
}

// await returns the future for the command at seq.
func (s *workflowState) await(seq int64, label string) *future {
	f := &future{state: s, seq: seq, label: label}
	if e, ok := s.early[seq]; ok {
		delete(s.early, seq)
		f.resolveFrom(e)
		return f
	}
	s.pending[seq] = f
	return f
}

// block reveals events until ready holds. At the end of the log the pass
// suspends.
func (s *workflowState) block(ctx Context, ready func() bool) error {
	for !ready() {
		if s.canceled && cancellable(ctx) {
			return &CancellationError{Reason: s.cancelReason}
		}
		if s.inHandler != "" {
			panic(errorHandlerBlocked{name: s.inHandler})
		}
		if !s.revealNext() {
			panic(errorBlockingFuture{})
		}
	}
	return nil
}

func (s *workflowState) nextSeq() int64 {
	s.seq++
	return s.seq
}

// replayed returns the recorded command at seq after checking that the code
// issued the same one.
func (s *workflowState) replayed(seq int64, kind api.CommandKind, identity string) (api.CommandEvent, bool) {
	rec, ok := s.recorded[seq]
	if !ok {
		if seq <= s.maxRecorded {
			panic(&DeterminismViolation{Seq: seq, Expected: "nothing", Got: describeCommand(kind, identity)})
		}
		return nil, false
	}
	rk, rid := rec.CommandIdentity()
	if rk != kind || rid != identity {
		panic(&DeterminismViolation{Seq: seq, Expected: describeCommand(rk, rid), Got: describeCommand(kind, identity)})
	}
	return rec, true
}

// emit queues a command the log does not hold yet.
func (s *workflowState) emit(e api.CommandEvent) {
	if s.queryMode {
		panic(errorBlockingFuture{})
	}
	kind, identity := e.CommandIdentity()
	s.commands = append(s.commands, api.Command{Kind: kind, Seq: e.CommandSeq(), Identity: identity, Event: e})
}

func (s *workflowState) command(e api.CommandEvent) {
	kind, identity := e.CommandIdentity()
	if _, ok := s.replayed(e.CommandSeq(), kind, identity); ok {
		return
	}
	s.emit(e)
}

// unreached reports a recorded command the pass ended before reissuing.
func (s *workflowState) unreached() *DeterminismViolation {
	if s.seq >= s.maxRecorded {
		return nil
	}
	next := s.seq + 1
	expected := "command"
	if rec, ok := s.recorded[next]; ok {
		expected = describeCommand(rec.CommandIdentity())
	}
	return &DeterminismViolation{Seq: next, Expected: expected}
}

func (s *workflowState) childID(seq int64) api.InstanceID {
	return s.childIDs[seq]
}

func describeCommand(kind api.CommandKind, identity string) string {
	if identity == "" {
		return string(kind)
	}
	return fmt.Sprintf("%s(%s)", kind, identity)
}
