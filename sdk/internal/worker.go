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
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/history"
	"github.com/ngnhng/durableflow/internal/projection"
	"github.com/ngnhng/durableflow/internal/taskqueue"
)

var ErrNoRegistrations = errors.New("worker has no registered workflows or activities")

const nackDelay = time.Second

type WorkerOptions struct {
	// TaskQueue is the queue the worker polls. Defaults to api.DefaultTaskQueue.
	TaskQueue string
	// Identity is recorded in the events the worker writes. Defaults to
	// hostname and pid.
	Identity string

	WorkflowPollers int
	ActivityPollers int
	ControlPollers  int

	// ActivityRatePerSecond caps activity attempts started by this worker.
	// Zero means no limit.
	ActivityRatePerSecond float64

	Logger *slog.Logger
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.TaskQueue == "" {
		o.TaskQueue = api.DefaultTaskQueue
	}
	if o.Identity == "" {
		host, _ := os.Hostname()
		o.Identity = fmt.Sprintf("%s@%d", host, os.Getpid())
	}
	if o.WorkflowPollers <= 0 {
		o.WorkflowPollers = 2
	}
	if o.ActivityPollers <= 0 {
		o.ActivityPollers = 4
	}
	if o.ControlPollers <= 0 {
		o.ControlPollers = 1
	}
	return o
}

// Worker polls one task queue and runs the workflows and activities
// registered with it.
type Worker struct {
	*Registry

	backend  *backend.Backend
	engine   *Engine
	executor *activityExecutor
	limiter  *rate.Limiter
	opts     WorkerOptions
	logger   *slog.Logger
}

func NewWorker(b *backend.Backend, opts WorkerOptions) *Worker {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = b.Logger
	}
	logger = logger.With("worker", opts.Identity, "task_queue", opts.TaskQueue)

	reg := NewRegistry()
	engine := NewEngine(reg, b.Store.Serde(), logger)
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.ActivityRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ActivityRatePerSecond), 1)
	}
	return &Worker{
		Registry: reg,
		backend:  b,
		engine:   engine,
		executor: &activityExecutor{
			registry:  reg,
			backend:   b,
			converter: engine.converter,
			identity:  opts.Identity,
			logger:    logger,
		},
		limiter: limiter,
		opts:    opts,
		logger:  logger,
	}
}

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	workflows := w.workflows.names()
	hasActivities := w.activities.size() > 0
	if len(workflows) == 0 && !hasActivities {
		return ErrNoRegistrations
	}

	for _, name := range workflows {
		stop, err := w.backend.Queries.Serve(ctx, name, w.answerQuery)
		if err != nil {
			return fmt.Errorf("serve queries for %s: %w", name, err)
		}
		defer stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(workflows) > 0 {
		for range w.opts.WorkflowPollers {
			g.Go(func() error {
				return w.poll(gctx, []api.TaskKind{api.TaskWorkflow}, w.handleWorkflowTask)
			})
		}
	}
	if hasActivities {
		for range w.opts.ActivityPollers {
			g.Go(func() error {
				return w.poll(gctx, []api.TaskKind{api.TaskActivity}, w.handleActivityTask)
			})
		}
	}
	for range w.opts.ControlPollers {
		g.Go(func() error {
			return w.poll(gctx, api.ControlTaskKinds, func(ctx context.Context, l taskqueue.Lease) error {
				return w.backend.Instances.HandleControl(ctx, l.Task())
			})
		})
	}
	w.logger.Info("worker started", "workflows", len(workflows), "activities", w.activities.size())

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, taskqueue.ErrClosed) {
		return nil
	}
	return err
}

type taskHandler func(ctx context.Context, lease taskqueue.Lease) error

func (w *Worker) poll(ctx context.Context, kinds []api.TaskKind, handle taskHandler) error {
	for {
		lease, err := w.backend.Queue.Lease(ctx, w.opts.TaskQueue, kinds...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		w.process(ctx, lease, handle)
	}
}

func (w *Worker) process(ctx context.Context, lease taskqueue.Lease, handle taskHandler) {
	task := lease.Task()
	err := handle(ctx, lease)
	if ctx.Err() != nil {
		// The lease expires and the task is redelivered elsewhere.
		return
	}
	if err != nil {
		w.backend.Metrics.TaskHandled(string(task.Kind), "error")
		w.logger.Warn("task failed, will redeliver", "task", task.String(), "error", err)
		if nerr := lease.Nack(ctx, nackDelay); nerr != nil {
			w.logger.Warn("nack task", "task", task.String(), "error", nerr)
		}
		return
	}
	w.backend.Metrics.TaskHandled(string(task.Kind), "ok")
	if aerr := lease.Ack(ctx); aerr != nil {
		w.logger.Warn("ack task", "task", task.String(), "error", aerr)
	}
}

func (w *Worker) handleActivityTask(ctx context.Context, lease taskqueue.Lease) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	return w.executor.handle(ctx, lease)
}

// needsPass reports whether the log holds an event the workflow has not
// observed in a previous pass.
func needsPass(evs history.Events) bool {
	through := evs.ProcessedThrough()
	for _, he := range evs {
		if he.Seq > through && projection.Wakes(he.Event) {
			return true
		}
	}
	return false
}

// handleWorkflowTask replays the run and commits the commands of the pass
// together with a marker, all at the version the pass read. A lost race
// reruns the pass on the newer log.
func (w *Worker) handleWorkflowTask(ctx context.Context, lease taskqueue.Lease) error {
	task := lease.Task()
	store := w.backend.Store
	logger := w.logger.With("instance_id", task.InstanceID, "run_id", task.RunID)

	var violation *DeterminismViolation
	after, err := store.Update(ctx, api.RunLogID(task.InstanceID, task.RunID), func(cur history.Events) ([]api.Event, error) {
		violation = nil
		if len(cur) == 0 || cur.IsClosed() || !needsPass(cur) {
			return nil, nil
		}
		began := time.Now()
		pass, err := w.engine.Resume(ctx, cur)
		w.backend.Metrics.ObserveReplay(time.Since(began))
		if err != nil {
			return nil, err
		}
		violation = pass.Violation
		return w.commit(cur, pass), nil
	})
	if err != nil {
		return fmt.Errorf("workflow task %s: %w", task, err)
	}
	if violation != nil {
		w.backend.Metrics.DeterminismViolation()
		logger.Error("determinism violation, run failed", "seq", violation.Seq,
			"expected", violation.Expected, "got", violation.Got)
	}
	return w.backend.Dispatcher.Dispatch(ctx, after)
}

// commit turns a pass into the events to append, filling the fields that
// depend on commit time.
func (w *Worker) commit(cur history.Events, pass *Pass) []api.Event {
	now := w.backend.Store.Now()
	out := make([]api.Event, 0, len(pass.Commands)+1)
	for _, c := range pass.Commands {
		switch e := c.Event.(type) {
		case *api.TimerStarted:
			e.FireAtMs = now.Add(time.Duration(e.DurationMs) * time.Millisecond).UnixMilli()
		case *api.ChildInitiated:
			if e.ChildRunID == "" {
				e.ChildRunID = api.NewRunID()
			}
		case *api.ContinuedAsNew:
			if e.NewRunID == "" {
				e.NewRunID = api.NewRunID()
			}
		}
		out = append(out, c.Event)
	}
	if pass.Closed {
		return out
	}
	last := cur[len(cur)-1].Seq
	out = append(out, &api.ProcessTaskCompleted{
		ProcessedThrough: last + uint64(len(out)) + 1,
		Worker:           w.opts.Identity,
	})
	return out
}

func (w *Worker) answerQuery(ctx context.Context, req api.QueryRequest) api.QueryReply {
	evs, _, err := w.backend.Store.ReadRun(ctx, req.InstanceID, req.RunID)
	if err != nil {
		return api.QueryReply{Error: err.Error(), ErrorKind: api.QueryErrorRejected}
	}
	result, err := w.engine.Query(ctx, evs, req.Name, req.Args)
	switch {
	case errors.Is(err, errQueryNotRegistered):
		return api.QueryReply{Error: err.Error(), ErrorKind: api.QueryErrorNotRegistered}
	case err != nil:
		return api.QueryReply{Error: err.Error(), ErrorKind: api.QueryErrorRejected}
	}
	return api.QueryReply{Result: result}
}
