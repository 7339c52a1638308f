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

// Package instance manages process instances: the chain of runs behind an
// instance id and every write that addresses an instance rather than a run.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/history"
	"github.com/ngnhng/durableflow/internal/projection"
)

var (
	ErrAlreadyStarted = errors.New("instance: already started")
	ErrRunClosed      = errors.New("instance: run closed")
	ErrNotFound       = errors.New("instance: not found")
)

type Options struct {
	// CancelGrace applies when a cancel request names no grace period.
	CancelGrace time.Duration
	Logger      *slog.Logger
}

type Service struct {
	store      *history.Store
	dispatcher *projection.Dispatcher
	grace      time.Duration
	logger     *slog.Logger
}

func NewService(store *history.Store, dispatcher *projection.Dispatcher, opts Options) *Service {
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = api.DefaultCancelGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{store: store, dispatcher: dispatcher, grace: opts.CancelGrace, logger: opts.Logger}
}

type StartParams struct {
	ID   api.InstanceID
	Type string
	// RunID is generated when empty. Children and successors pass the id
	// committed in their parent's history, which makes the start idempotent.
	RunID            api.RunID
	Input            []any
	TaskQueue        string
	ExecutionTimeout time.Duration
	Parent           *api.ParentRef
	CascadeCancel    bool
	ContinuedFrom    api.RunID
}

// Start opens a new run for the instance. It fails with ErrAlreadyStarted
// while the current run is open or continuing as new.
func (s *Service) Start(ctx context.Context, p StartParams) (api.RunID, error) {
	if err := api.ValidateInstanceID(p.ID); err != nil {
		return "", err
	}
	if p.Type == "" {
		return "", fmt.Errorf("start %s: missing process type", p.ID)
	}
	if p.RunID == "" {
		p.RunID = api.NewRunID()
	}
	if p.TaskQueue == "" {
		p.TaskQueue = api.DefaultTaskQueue
	}
	opened := &api.RunOpened{
		RunID: p.RunID,
		Started: api.ProcessStarted{
			InstanceID:         p.ID,
			RunID:              p.RunID,
			Type:               p.Type,
			Input:              p.Input,
			TaskQueue:          p.TaskQueue,
			ExecutionTimeoutMs: p.ExecutionTimeout.Milliseconds(),
			Parent:             p.Parent,
			ContinuedFrom:      p.ContinuedFrom,
			CascadeCancel:      p.CascadeCancel,
		},
	}

	_, err := s.store.Update(ctx, api.InstanceLogID(p.ID), func(current history.Events) ([]api.Event, error) {
		chain := chainOf(current)
		if chain.has(p.RunID) {
			return nil, nil
		}
		if last := chain.last(); last != nil && !chain.purged[last.RunID] {
			evs, _, err := s.store.Read(ctx, api.RunLogID(p.ID, last.RunID))
			if err != nil {
				return nil, err
			}
			if st := evs.Status(); len(evs) == 0 || !st.IsTerminal() || st == api.StatusContinuedAsNew {
				return nil, fmt.Errorf("%w: %s run %s", ErrAlreadyStarted, p.ID, last.RunID)
			}
		}
		return []api.Event{opened}, nil
	})
	if err != nil {
		return "", err
	}

	if err := s.materialize(ctx, opened); err != nil {
		return "", err
	}
	s.logger.Info("process started", "instance_id", p.ID, "run_id", p.RunID, "type", p.Type)
	return p.RunID, nil
}

// materialize writes the run's ProcessStarted if the run log is still empty
// and dispatches its first tasks.
func (s *Service) materialize(ctx context.Context, opened *api.RunOpened) error {
	id := opened.Started.InstanceID
	started := opened.Started
	logID := api.RunLogID(id, opened.RunID)
	if _, err := s.store.Append(ctx, logID, 0, &started); err != nil && !errors.Is(err, history.ErrConflict) {
		return fmt.Errorf("materialize %s: %w", logID, err)
	}
	return s.dispatcher.Sync(ctx, id, opened.RunID)
}

// Run is the current run of an instance.
type Run struct {
	Opened *api.RunOpened
	Events history.Events
	Purged bool
	// Runs counts every run the instance has had.
	Runs int
}

// Current returns the latest run, materializing it if needed.
func (s *Service) Current(ctx context.Context, id api.InstanceID) (*Run, error) {
	current, _, err := s.store.Read(ctx, api.InstanceLogID(id))
	if err != nil {
		return nil, err
	}
	chain := chainOf(current)
	last := chain.last()
	if last == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	run := &Run{Opened: last, Runs: len(chain.runs), Purged: chain.purged[last.RunID]}
	if run.Purged {
		return run, nil
	}
	evs, _, err := s.store.Read(ctx, api.RunLogID(id, last.RunID))
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		if err := s.materialize(ctx, last); err != nil {
			return nil, err
		}
		if evs, _, err = s.store.Read(ctx, api.RunLogID(id, last.RunID)); err != nil {
			return nil, err
		}
	}
	run.Events = evs
	return run, nil
}

// Runs lists the run chain of an instance in start order.
func (s *Service) Runs(ctx context.Context, id api.InstanceID) ([]*api.RunOpened, error) {
	current, _, err := s.store.Read(ctx, api.InstanceLogID(id))
	if err != nil {
		return nil, err
	}
	chain := chainOf(current)
	if len(chain.runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return chain.runs, nil
}

type SignalOptions struct {
	Sender string
	// DedupKey drops the signal if one with the same key already reached the
	// run.
	DedupKey string
}

// Signal appends a SignalReceived to the current run, moving on to the
// successor when the run continued as new.
func (s *Service) Signal(ctx context.Context, id api.InstanceID, name string, payload any, opts SignalOptions) error {
	if name == "" {
		return fmt.Errorf("signal %s: missing signal name", id)
	}
	return s.updateOpen(ctx, id, func(evs history.Events) ([]api.Event, error) {
		if opts.DedupKey != "" {
			if _, dup := history.Find(evs, func(e *api.SignalReceived) bool { return e.DedupKey == opts.DedupKey }); dup {
				return nil, nil
			}
		}
		return []api.Event{&api.SignalReceived{Name: name, Payload: payload, Sender: opts.Sender, DedupKey: opts.DedupKey}}, nil
	})
}

// Cancel requests cancellation of the current run. The run is terminated if
// it is still open once grace has elapsed.
func (s *Service) Cancel(ctx context.Context, id api.InstanceID, reason string, grace time.Duration) error {
	if grace <= 0 {
		grace = s.grace
	}
	return s.updateOpen(ctx, id, func(evs history.Events) ([]api.Event, error) {
		if _, already := history.Find[*api.CancelRequested](evs, nil); already {
			return nil, nil
		}
		return []api.Event{&api.CancelRequested{Reason: reason, GraceMs: grace.Milliseconds()}}, nil
	})
}

func (s *Service) Terminate(ctx context.Context, id api.InstanceID, reason string) error {
	return s.updateOpen(ctx, id, func(history.Events) ([]api.Event, error) {
		return []api.Event{&api.ProcessTerminated{Reason: reason}}, nil
	})
}

func (s *Service) Describe(ctx context.Context, id api.InstanceID) (*api.Description, error) {
	run, err := s.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Purged {
		return nil, fmt.Errorf("%w: %s run %s was purged", ErrNotFound, id, run.Opened.RunID)
	}
	d := &api.Description{
		InstanceID: id,
		RunID:      run.Opened.RunID,
		Type:       run.Opened.Started.Type,
		TaskQueue:  run.Opened.Started.TaskQueue,
		Runs:       run.Runs,
	}
	d.Status = run.Events.Status()
	d.HistoryLength = len(run.Events)
	d.StartedAt = run.Events[0].Timestamp
	if _, closed, ok := run.Events.Closed(); ok {
		d.ClosedAt = closed.Timestamp
	}
	return d, nil
}

// errContinued makes updateOpen move on to the successor run.
var errContinued = errors.New("run continued as new")

// updateOpen applies fn to the current open run of id.
func (s *Service) updateOpen(ctx context.Context, id api.InstanceID, fn history.UpdateFunc) error {
	for range 16 {
		run, err := s.Current(ctx, id)
		if err != nil {
			return err
		}
		if run.Purged {
			return fmt.Errorf("%w: %s", ErrRunClosed, id)
		}
		if run.Events.Status() == api.StatusContinuedAsNew {
			if err := s.ContinueRun(ctx, id, run.Opened.RunID); err != nil {
				return err
			}
			continue
		}

		evs, err := s.store.Update(ctx, api.RunLogID(id, run.Opened.RunID), func(current history.Events) ([]api.Event, error) {
			switch st := current.Status(); {
			case st == api.StatusContinuedAsNew:
				return nil, errContinued
			case st.IsTerminal():
				return nil, fmt.Errorf("%w: %s is %s", ErrRunClosed, id, st)
			}
			return fn(current)
		})
		if errors.Is(err, errContinued) {
			continue
		}
		if err != nil {
			return err
		}
		return s.dispatcher.Dispatch(ctx, evs)
	}
	return fmt.Errorf("instance %s: run chain did not settle", id)
}
