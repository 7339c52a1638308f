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

package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DeluxeOwl/chronicle/version"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/history"
)

// Failure kinds written by control tasks.
const (
	FailureChildAlreadyStarted = "ChildAlreadyStarted"
	FailureChildStart          = "ChildStartFailed"
)

// HandleControl executes a task that needs no registered code. Every handler
// can be repeated: it re-reads the log and writes nothing already written.
func (s *Service) HandleControl(ctx context.Context, task api.Task) error {
	switch task.Kind {
	case api.TaskTimer:
		return s.fireTimer(ctx, task)
	case api.TaskStartChild:
		return s.startChild(ctx, task)
	case api.TaskNotifyParent:
		return s.notifyParent(ctx, task)
	case api.TaskDeliverSignal:
		return s.deliverSignal(ctx, task)
	case api.TaskCancelChild:
		return s.cancelChild(ctx, task)
	case api.TaskContinueAsNew:
		return s.ContinueRun(ctx, task.InstanceID, task.RunID)
	case api.TaskCancelGrace:
		return s.closeOpen(ctx, task, &api.ProcessTerminated{Reason: "cancellation grace period elapsed"})
	case api.TaskExecutionTimeout:
		return s.timeout(ctx, task)
	case api.TaskRetention:
		return s.purge(ctx, task)
	default:
		return fmt.Errorf("instance: %s is not a control task", task)
	}
}

// updateRun applies fn to the task's run log and dispatches the result.
func (s *Service) updateRun(ctx context.Context, id api.InstanceID, run api.RunID, fn history.UpdateFunc) error {
	evs, err := s.store.Update(ctx, api.RunLogID(id, run), fn)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	return s.dispatcher.Dispatch(ctx, evs)
}

func (s *Service) fireTimer(ctx context.Context, task api.Task) error {
	return s.updateRun(ctx, task.InstanceID, task.RunID, func(evs history.Events) ([]api.Event, error) {
		if evs.IsClosed() {
			return nil, nil
		}
		if _, ok := history.Find(evs, func(e *api.TimerFired) bool { return e.Seq == task.Seq }); ok {
			return nil, nil
		}
		return []api.Event{&api.TimerFired{Seq: task.Seq}}, nil
	})
}

func childResolved(evs history.Events, seq int64) bool {
	_, done := history.Find(evs, func(e *api.ChildCompleted) bool { return e.Seq == seq })
	if !done {
		_, done = history.Find(evs, func(e *api.ChildFailed) bool { return e.Seq == seq })
	}
	return done
}

func (s *Service) startChild(ctx context.Context, task api.Task) error {
	evs, _, err := s.store.ReadRun(ctx, task.InstanceID, task.RunID)
	if err != nil {
		return err
	}
	child, ok := history.Find(evs, func(e *api.ChildInitiated) bool { return e.Seq == task.Seq })
	if !ok {
		return fmt.Errorf("start child: no child initiated at %s/%s seq %d", task.InstanceID, task.RunID, task.Seq)
	}

	started := evs.Started()
	queue := child.TaskQueue
	if queue == "" {
		queue = started.TaskQueue
	}
	_, startErr := s.Start(ctx, StartParams{
		ID:               child.ChildID,
		Type:             child.Type,
		RunID:            child.ChildRunID,
		Input:            child.Input,
		TaskQueue:        queue,
		ExecutionTimeout: time.Duration(child.ExecutionTimeoutMs) * time.Millisecond,
		Parent:           &api.ParentRef{InstanceID: task.InstanceID, RunID: task.RunID, Seq: task.Seq},
		CascadeCancel:    child.CascadeCancel,
	})

	var outcome api.Event
	switch {
	case startErr == nil:
		outcome = &api.ChildStarted{Seq: task.Seq, ChildRunID: child.ChildRunID}
	case errors.Is(startErr, ErrAlreadyStarted):
		outcome = &api.ChildFailed{Seq: task.Seq, Failure: api.Failure{
			Kind: FailureChildAlreadyStarted, Message: startErr.Error(), NonRetryable: true,
		}}
	case errors.Is(startErr, api.ErrInvalidID):
		outcome = &api.ChildFailed{Seq: task.Seq, Failure: api.Failure{
			Kind: FailureChildStart, Message: startErr.Error(), NonRetryable: true,
		}}
	default:
		return startErr
	}

	// The parent may have closed meanwhile; the outcome is still recorded so
	// the task is no longer outstanding.
	return s.updateRun(ctx, task.InstanceID, task.RunID, func(evs history.Events) ([]api.Event, error) {
		if _, ok := history.Find(evs, func(e *api.ChildStarted) bool { return e.Seq == task.Seq }); ok {
			return nil, nil
		}
		if childResolved(evs, task.Seq) {
			return nil, nil
		}
		return []api.Event{outcome}, nil
	})
}

// closeFailure describes how a run that did not complete closed.
func closeFailure(status api.Status, closed api.Event) api.Failure {
	switch e := closed.(type) {
	case *api.ProcessFailed:
		return e.Failure
	case *api.ProcessTimedOut:
		return api.Failure{
			Kind:    "TimeoutError",
			Message: fmt.Sprintf("execution timeout %dms elapsed", e.TimeoutMs),
			Details: map[string]string{"type": "Execution"},
		}
	case *api.ProcessCanceled:
		return api.Failure{Kind: "CancellationError", Message: e.Reason}
	case *api.ProcessTerminated:
		return api.Failure{Kind: "Terminated", Message: e.Reason}
	default:
		return api.Failure{Kind: string(status)}
	}
}

func (s *Service) notifyParent(ctx context.Context, task api.Task) error {
	evs, _, err := s.store.ReadRun(ctx, task.InstanceID, task.RunID)
	if err != nil {
		return err
	}
	parent := evs.Started().Parent
	status, closed, ok := evs.Closed()
	if parent == nil || !ok {
		return nil
	}

	var outcome api.Event
	if done, isDone := closed.Event.(*api.ProcessCompleted); isDone {
		outcome = &api.ChildCompleted{Seq: parent.Seq, Result: done.Result}
	} else {
		outcome = &api.ChildFailed{Seq: parent.Seq, RunID: task.RunID, Status: status, Failure: closeFailure(status, closed.Event)}
	}

	return s.updateRun(ctx, parent.InstanceID, parent.RunID, func(pevs history.Events) ([]api.Event, error) {
		if len(pevs) == 0 || pevs.IsClosed() || childResolved(pevs, parent.Seq) {
			return nil, nil
		}
		return []api.Event{outcome}, nil
	})
}

func (s *Service) deliverSignal(ctx context.Context, task api.Task) error {
	evs, _, err := s.store.ReadRun(ctx, task.InstanceID, task.RunID)
	if err != nil {
		return err
	}
	sent, ok := history.Find(evs, func(e *api.SignalSent) bool { return e.Seq == task.Seq })
	if !ok {
		return fmt.Errorf("deliver signal: no signal sent at %s/%s seq %d", task.InstanceID, task.RunID, task.Seq)
	}

	delivered := &api.SignalDelivered{Seq: task.Seq}
	err = s.Signal(ctx, sent.TargetID, sent.Name, sent.Payload, SignalOptions{
		Sender:   string(task.InstanceID),
		DedupKey: fmt.Sprintf("%s/%s/%d", task.InstanceID, task.RunID, task.Seq),
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRunClosed), errors.Is(err, api.ErrInvalidID):
		delivered.Error = err.Error()
	default:
		return err
	}

	return s.updateRun(ctx, task.InstanceID, task.RunID, func(evs history.Events) ([]api.Event, error) {
		if _, ok := history.Find(evs, func(e *api.SignalDelivered) bool { return e.Seq == task.Seq }); ok {
			return nil, nil
		}
		return []api.Event{delivered}, nil
	})
}

func (s *Service) cancelChild(ctx context.Context, task api.Task) error {
	evs, _, err := s.store.ReadRun(ctx, task.InstanceID, task.RunID)
	if err != nil {
		return err
	}
	child, ok := history.Find(evs, func(e *api.ChildInitiated) bool { return e.Seq == task.Seq })
	if !ok {
		return fmt.Errorf("cancel child: no child initiated at %s/%s seq %d", task.InstanceID, task.RunID, task.Seq)
	}
	reason := "parent canceled"
	grace := time.Duration(0)
	if req, ok := history.Find[*api.CancelRequested](evs, nil); ok {
		if req.Reason != "" {
			reason = "parent canceled: " + req.Reason
		}
		grace = time.Duration(req.GraceMs) * time.Millisecond
	}

	err = s.Cancel(ctx, child.ChildID, reason, grace)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunClosed), errors.Is(err, ErrNotFound):
		s.logger.Debug("child already closed", "instance_id", task.InstanceID, "child_id", child.ChildID)
	default:
		return err
	}

	return s.updateRun(ctx, task.InstanceID, task.RunID, func(evs history.Events) ([]api.Event, error) {
		if _, ok := history.Find(evs, func(e *api.ChildCancelRequested) bool { return e.Seq == task.Seq }); ok {
			return nil, nil
		}
		return []api.Event{&api.ChildCancelRequested{Seq: task.Seq}}, nil
	})
}

// closeOpen writes a terminal event unless the run already closed.
func (s *Service) closeOpen(ctx context.Context, task api.Task, closing api.Event) error {
	return s.updateRun(ctx, task.InstanceID, task.RunID, func(evs history.Events) ([]api.Event, error) {
		if len(evs) == 0 || evs.IsClosed() {
			return nil, nil
		}
		s.logger.Info("closing run", "instance_id", task.InstanceID, "run_id", task.RunID, "event", closing.EventName())
		return []api.Event{closing}, nil
	})
}

func (s *Service) timeout(ctx context.Context, task api.Task) error {
	evs, _, err := s.store.ReadRun(ctx, task.InstanceID, task.RunID)
	if err != nil {
		return err
	}
	return s.closeOpen(ctx, task, &api.ProcessTimedOut{TimeoutMs: evs.Started().ExecutionTimeoutMs})
}

// purge deletes a closed run log and records the purge on the instance log.
func (s *Service) purge(ctx context.Context, task api.Task) error {
	logID := api.RunLogID(task.InstanceID, task.RunID)
	evs, v, err := s.store.Read(ctx, logID)
	if err != nil {
		return err
	}
	if len(evs) > 0 && !evs.IsClosed() {
		return nil
	}
	if v != version.Zero {
		err := s.store.Delete(ctx, logID)
		switch {
		case errors.Is(err, history.ErrDeleteUnsupported):
			// The purge marker still hides the run from every read path.
			s.logger.Warn("history backend cannot delete, hiding run", "log", logID)
		case err != nil:
			return err
		}
	}
	_, err = s.store.Update(ctx, api.InstanceLogID(task.InstanceID), func(current history.Events) ([]api.Event, error) {
		if chainOf(current).purged[task.RunID] {
			return nil, nil
		}
		return []api.Event{&api.RunPurged{RunID: task.RunID}}, nil
	})
	if err == nil {
		s.logger.Info("run purged", "instance_id", task.InstanceID, "run_id", task.RunID)
	}
	return err
}
