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
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/uuid/v5"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/history"
	"github.com/ngnhng/durableflow/internal/instance"
)

var (
	ErrQueryNotRegistered = errors.New("query not registered")
	ErrQueryRejected      = errors.New("query rejected")
	ErrRunPurged          = errors.New("run was purged")

	errStillRunning = errors.New("run still open")
)

var _ Client = (*clientImpl)(nil)

type (
	Client interface {
		// ExecuteWorkflow starts a workflow and returns a handle on its run.
		ExecuteWorkflow(ctx context.Context, opts StartOptions, workflowFn any, args ...any) (*Execution, error)
		// GetWorkflow returns a handle on the current run of id.
		GetWorkflow(ctx context.Context, id api.InstanceID) (*Execution, error)
		SignalWorkflow(ctx context.Context, id api.InstanceID, name string, payload any) error
		// QueryWorkflow runs a query handler against the current run and stores
		// its result in valuePtr.
		QueryWorkflow(ctx context.Context, id api.InstanceID, name string, valuePtr any, args ...any) error
		// CancelWorkflow asks the run to cancel. It is terminated if it is still
		// open after the backend's cancel grace.
		CancelWorkflow(ctx context.Context, id api.InstanceID, reason string) error
		CancelWorkflowWithGrace(ctx context.Context, id api.InstanceID, reason string, grace time.Duration) error
		TerminateWorkflow(ctx context.Context, id api.InstanceID, reason string) error
		DescribeWorkflow(ctx context.Context, id api.InstanceID) (*api.Description, error)
	}

	ClientOptions struct {
		Backend *backend.Backend
		Logger  *slog.Logger
		// Identity is recorded as the sender of signals.
		Identity string
	}

	StartOptions struct {
		// ID defaults to a fresh V7 uuid.
		ID        api.InstanceID
		TaskQueue string
		// ExecutionTimeout bounds the whole run chain of the instance,
		// measured from the start of the first run. Runs continued as new
		// inherit its deadline. Zero means no bound.
		ExecutionTimeout time.Duration
	}
)

type clientImpl struct {
	backend   *backend.Backend
	converter *serde.TypeConverter
	identity  string
	logger    *slog.Logger
}

func NewClient(options *ClientOptions) (Client, error) {
	if options == nil || options.Backend == nil {
		return nil, fmt.Errorf("client options must include a backend")
	}
	logger := options.Logger
	if logger == nil {
		logger = options.Backend.Logger
	}
	return &clientImpl{
		backend:   options.Backend,
		converter: serde.NewTypeConverter(options.Backend.Store.Serde()),
		identity:  options.Identity,
		logger:    logger,
	}, nil
}

func (c *clientImpl) ExecuteWorkflow(ctx context.Context, opts StartOptions, workflowFn any, args ...any) (*Execution, error) {
	name, err := functionName(workflowFn)
	if err != nil {
		return nil, err
	}
	id := opts.ID
	if id == "" {
		id = api.InstanceID(uuid.Must(uuid.NewV7()).String())
	}
	if args == nil {
		args = []any{}
	}
	run, err := c.backend.Instances.Start(ctx, instance.StartParams{
		ID:               id,
		Type:             name,
		Input:            args,
		TaskQueue:        opts.TaskQueue,
		ExecutionTimeout: opts.ExecutionTimeout,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("workflow started", "instance_id", id, "run_id", run, "type", name)
	return c.execution(id, run), nil
}

func (c *clientImpl) GetWorkflow(ctx context.Context, id api.InstanceID) (*Execution, error) {
	run, err := c.backend.Instances.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.execution(id, run.Opened.RunID), nil
}

func (c *clientImpl) execution(id api.InstanceID, run api.RunID) *Execution {
	return &Execution{ID: id, RunID: run, client: c}
}

func (c *clientImpl) SignalWorkflow(ctx context.Context, id api.InstanceID, name string, payload any) error {
	return c.backend.Instances.Signal(ctx, id, name, payload, instance.SignalOptions{Sender: c.identity})
}

func (c *clientImpl) QueryWorkflow(ctx context.Context, id api.InstanceID, name string, valuePtr any, args ...any) error {
	run, err := c.backend.Instances.Current(ctx, id)
	if err != nil {
		return err
	}
	if run.Purged {
		return fmt.Errorf("%w: %s/%s", ErrRunPurged, id, run.Opened.RunID)
	}
	if args == nil {
		args = []any{}
	}
	reply, err := c.backend.Queries.Query(ctx, api.QueryRequest{
		InstanceID: id,
		RunID:      run.Opened.RunID,
		Type:       run.Opened.Started.Type,
		Name:       name,
		Args:       args,
	})
	if err != nil {
		return err
	}
	switch reply.ErrorKind {
	case api.QueryErrorNotRegistered:
		return fmt.Errorf("%w: %s", ErrQueryNotRegistered, reply.Error)
	case api.QueryErrorRejected:
		return fmt.Errorf("%w: %s", ErrQueryRejected, reply.Error)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	return c.converter.Assign(reply.Result, valuePtr)
}

func (c *clientImpl) CancelWorkflow(ctx context.Context, id api.InstanceID, reason string) error {
	return c.backend.Instances.Cancel(ctx, id, reason, 0)
}

func (c *clientImpl) CancelWorkflowWithGrace(ctx context.Context, id api.InstanceID, reason string, grace time.Duration) error {
	return c.backend.Instances.Cancel(ctx, id, reason, grace)
}

func (c *clientImpl) TerminateWorkflow(ctx context.Context, id api.InstanceID, reason string) error {
	return c.backend.Instances.Terminate(ctx, id, reason)
}

func (c *clientImpl) DescribeWorkflow(ctx context.Context, id api.InstanceID) (*api.Description, error) {
	return c.backend.Instances.Describe(ctx, id)
}

// Execution is a handle on a started run. Get follows the run through
// continue-as-new to the run that finally closes.
type Execution struct {
	ID    api.InstanceID
	RunID api.RunID

	client *clientImpl
}

// Get waits for the run chain to close and stores the result in valuePtr.
// A run that did not complete returns a *ProcessError.
func (e *Execution) Get(ctx context.Context, valuePtr any) error {
	run := e.RunID
	evs, err := retry.DoWithData(
		func() (history.Events, error) {
			evs, err := e.closedRun(ctx, run)
			if err != nil {
				return nil, err
			}
			if can, ok := evs[len(evs)-1].Event.(*api.ContinuedAsNew); ok {
				run = can.NewRunID
				return nil, errStillRunning
			}
			return evs, nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errStillRunning) || errors.Is(err, history.ErrRunNotFound)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return e.result(run, evs, valuePtr)
}

// closedRun returns the events of run once it is closed.
func (e *Execution) closedRun(ctx context.Context, run api.RunID) (history.Events, error) {
	evs, _, err := e.client.backend.Store.ReadRun(ctx, e.ID, run)
	if errors.Is(err, history.ErrRunNotFound) {
		cur, cerr := e.client.backend.Instances.Current(ctx, e.ID)
		if cerr == nil && cur.Purged && cur.Opened.RunID == run {
			return nil, retry.Unrecoverable(fmt.Errorf("%w: %s/%s", ErrRunPurged, e.ID, run))
		}
		return nil, err
	}
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	if !evs.IsClosed() {
		return nil, errStillRunning
	}
	return evs, nil
}

func (e *Execution) result(run api.RunID, evs history.Events, valuePtr any) error {
	status, closed, _ := evs.Closed()
	var failure error
	switch ev := closed.Event.(type) {
	case *api.ProcessCompleted:
		return e.client.converter.Assign(ev.Result, valuePtr)
	case *api.ProcessFailed:
		failure = fromFailure(&ev.Failure)
	case *api.ProcessTimedOut:
		failure = &TimeoutError{Type: TimeoutExecution}
	case *api.ProcessCanceled:
		failure = &CancellationError{Reason: ev.Reason}
	case *api.ProcessTerminated:
		failure = NewApplicationError("Terminated", ev.Reason, true, nil)
	}
	return &ProcessError{InstanceID: e.ID, RunID: run, Status: status, Failure: failure}
}
