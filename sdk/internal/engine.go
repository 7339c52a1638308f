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
	"runtime/debug"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/history"
)

var (
	errQueryNotRegistered = errors.New("query not registered")
	errQueryRejected      = errors.New("query rejected")
)

// Engine replays run logs against the registered workflow code.
type Engine struct {
	registry  *Registry
	converter *serde.TypeConverter
	logger    *slog.Logger
}

func NewEngine(registry *Registry, s serde.BinarySerde, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, converter: serde.NewTypeConverter(s), logger: logger}
}

// Pass is the outcome of one replay. Commands hold the events to append in
// order; when Closed the last one closes the run.
type Pass struct {
	Commands  []api.Command
	Closed    bool
	Violation *DeterminismViolation
}

// Resume replays evs from the first event and returns the commands the
// workflow issued beyond what the log holds. It is a pure function of evs.
func (e *Engine) Resume(ctx context.Context, evs history.Events) (*Pass, error) {
	st, entry, err := e.load(ctx, evs)
	if err != nil {
		return nil, err
	}
	args, err := st.arguments(entry)
	if err != nil {
		return failedPass(nil, NewApplicationError(KindInvalidArguments, err.Error(), true, nil)), nil
	}

	results, suspended, rec := st.execute(entry, args)
	switch {
	case rec != nil:
		if v, ok := rec.(*DeterminismViolation); ok {
			return violationPass(v), nil
		}
		if hb, ok := rec.(errorHandlerBlocked); ok {
			return failedPass(st.commands, NewApplicationError(KindHandlerBlocked, hb.Error(), true, nil)), nil
		}
		e.logger.Error("workflow panicked", "instance_id", st.info.InstanceID, "run_id", st.info.RunID,
			"panic", rec, "stack", string(st.panicStack))
		return failedPass(st.commands, NewApplicationError(KindPanic, fmt.Sprint(rec), true, nil)), nil
	case suspended:
		if v := st.unreached(); v != nil {
			return violationPass(v), nil
		}
		return &Pass{Commands: st.commands}, nil
	default:
		if v := st.unreached(); v != nil {
			return violationPass(v), nil
		}
		return &Pass{Commands: append(st.commands, st.terminal(results)), Closed: true}, nil
	}
}

// Query replays evs without issuing commands and calls the query handler.
func (e *Engine) Query(ctx context.Context, evs history.Events, name string, args []any) (any, error) {
	st, entry, err := e.load(ctx, evs)
	if err != nil {
		return nil, err
	}
	st.queryMode = true
	in, err := st.arguments(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errQueryRejected, err)
	}
	if _, _, rec := st.execute(entry, in); rec != nil {
		if v, ok := rec.(*DeterminismViolation); ok {
			return nil, fmt.Errorf("%w: %v", errQueryRejected, v)
		}
	}

	h, ok := st.queryHandlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errQueryNotRegistered, name)
	}
	return st.callQueryHandler(name, h, args)
}

func (e *Engine) load(ctx context.Context, evs history.Events) (*workflowState, workflowEntry, error) {
	started := evs.Started()
	if started == nil {
		return nil, workflowEntry{}, fmt.Errorf("%w: log has no start event", history.ErrRunNotFound)
	}
	entry, err := e.registry.workflow(started.Type)
	if err != nil {
		return nil, workflowEntry{}, err
	}
	st := newWorkflowState(evs, e.converter, e.logger)
	st.root = &workflowContext{workflowState: st, Context: context.WithoutCancel(ctx)}
	return st, entry, nil
}

func (s *workflowState) arguments(entry workflowEntry) ([]reflect.Value, error) {
	t := entry.fn.Type()
	input := s.started.Input
	if t.NumIn()-1 != len(input) {
		return nil, fmt.Errorf("workflow %s expects %d arguments, got %d", entry.name, t.NumIn()-1, len(input))
	}
	args := make([]reflect.Value, 0, t.NumIn())
	args = append(args, reflect.ValueOf(s.root))
	for i, v := range input {
		arg, err := s.converter.Convert(v, t.In(i+1))
		if err != nil {
			return nil, fmt.Errorf("workflow %s argument %d: %w", entry.name, i, err)
		}
		args = append(args, arg)
	}
	return args, nil
}

// execute runs the workflow function from the top. It reveals the start
// event first; everything else is revealed by blocking calls.
func (s *workflowState) execute(entry workflowEntry, args []reflect.Value) (results []reflect.Value, suspended bool, rec any) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(errorBlockingFuture); ok {
				suspended = true
				return
			}
			if _, ok := r.(*DeterminismViolation); !ok {
				s.panicStack = debug.Stack()
			}
			rec = r
		}
	}()
	s.revealNext()
	return entry.fn.Call(args), false, nil
}

// terminal maps the workflow's return values to the command closing the run.
func (s *workflowState) terminal(results []reflect.Value) api.Command {
	errv := results[len(results)-1]
	if !errv.IsNil() {
		err := errv.Interface().(error)

		var can *ContinueAsNewError
		if errors.As(err, &can) {
			return api.Command{Kind: api.CommandContinueAsNew, Event: &api.ContinuedAsNew{
				Type:               can.Type,
				Input:              can.Input,
				TaskQueue:          can.TaskQueue,
				ExecutionTimeoutMs: can.ExecutionTimeout.Milliseconds(),
			}}
		}
		var ce *CancellationError
		if s.canceled && errors.As(err, &ce) {
			return api.Command{Kind: api.CommandCancelProcess, Event: &api.ProcessCanceled{Reason: ce.Reason}}
		}
		return api.Command{Kind: api.CommandFailProcess, Event: &api.ProcessFailed{Failure: toFailure(err)}}
	}

	var result any
	if len(results) == 2 {
		result = results[0].Interface()
	}
	return api.Command{Kind: api.CommandCompleteProcess, Event: &api.ProcessCompleted{Result: result}}
}

func (s *workflowState) callQueryHandler(name string, h reflect.Value, input []any) (out any, err error) {
	t := h.Type()
	if t.NumIn() != len(input) {
		return nil, fmt.Errorf("%w: query %s expects %d arguments, got %d", errQueryRejected, name, t.NumIn(), len(input))
	}
	args := make([]reflect.Value, len(input))
	for i, v := range input {
		arg, cerr := s.converter.Convert(v, t.In(i))
		if cerr != nil {
			return nil, fmt.Errorf("%w: query %s argument %d: %v", errQueryRejected, name, i, cerr)
		}
		args[i] = arg
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: query %s panicked: %v", errQueryRejected, name, r)
		}
	}()
	s.inHandler = name
	results := h.Call(args)
	if e := results[1]; !e.IsNil() {
		return nil, e.Interface().(error)
	}
	return results[0].Interface(), nil
}

func failedPass(cmds []api.Command, err error) *Pass {
	return &Pass{
		Commands: append(cmds, api.Command{Kind: api.CommandFailProcess, Event: &api.ProcessFailed{Failure: toFailure(err)}}),
		Closed:   true,
	}
}

// violationPass fails the run and drops whatever else the pass issued.
func violationPass(v *DeterminismViolation) *Pass {
	return &Pass{
		Commands:  []api.Command{{Kind: api.CommandFailProcess, Event: &api.ProcessFailed{Failure: toFailure(v)}}},
		Closed:    true,
		Violation: v,
	}
}
