package internal

import (
	"github.com/ngnhng/durableflow/api"
)

var (
	_ Future      = (*future)(nil)
	_ ChildFuture = (*childFuture)(nil)
)

// Future is the eventual result of a command. Get blocks the workflow until
// the result is in the history.
type Future interface {
	Get(ctx Context, valuePtr any) error
	IsReady() bool
}

type ChildFuture interface {
	Future
	// ID is the instance id the child was started with.
	ID() api.InstanceID
	// GetChildExecution blocks until the child run exists and returns its
	// run id.
	GetChildExecution(ctx Context) (api.RunID, error)
}

type future struct {
	state *workflowState
	seq   int64
	// label is the activity name or child type, for errors.
	label string

	ready bool
	value any
	err   error
}

func readyFuture(s *workflowState, value any, err error) *future {
	return &future{state: s, ready: true, value: value, err: err}
}

func (f *future) IsReady() bool { return f.ready }

func (f *future) Get(ctx Context, valuePtr any) error {
	if err := f.state.block(ctx, f.IsReady); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	return f.state.converter.Assign(f.value, valuePtr)
}

func (f *future) set(value any, err error) {
	f.ready = true
	f.value = value
	f.err = err
}

func (f *future) resolveFrom(e api.Event) {
	switch e := e.(type) {
	case *api.ActivityCompleted:
		f.set(e.Result, nil)
	case *api.ActivityFailed:
		f.set(nil, activityError(f.label, f.seq, e.Attempt, e.Failure))
	case *api.ActivityTimedOut:
		ae := activityError(f.label, f.seq, e.Attempt, api.Failure{Kind: kindTimeoutError, Message: e.TimeoutType + " timeout"})
		ae.Cause = &TimeoutError{Type: TimeoutType(e.TimeoutType)}
		f.set(nil, ae)
	case *api.TimerFired:
		f.set(nil, nil)
	case *api.SignalDelivered:
		if e.Error != "" {
			f.set(nil, NewApplicationError("SignalDeliveryFailed", e.Error, true, nil))
			return
		}
		f.set(nil, nil)
	case *api.ChildCompleted:
		f.set(e.Result, nil)
	case *api.ChildFailed:
		f.set(nil, &ChildProcessError{
			ChildID: f.state.childID(f.seq),
			RunID:   e.RunID,
			Type:    f.label,
			Status:  e.Status,
			Failure: fromFailure(&e.Failure),
		})
	}
}

type childFuture struct {
	*future
	id api.InstanceID
}

func (f *childFuture) ID() api.InstanceID { return f.id }

func (f *childFuture) GetChildExecution(ctx Context) (api.RunID, error) {
	s := f.state
	started := func() bool {
		_, ok := s.childRuns[f.seq]
		return ok || f.ready
	}
	if err := s.block(ctx, started); err != nil {
		return "", err
	}
	if run, ok := s.childRuns[f.seq]; ok {
		return run, nil
	}
	return "", f.err
}
