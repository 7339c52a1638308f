package workflow

import (
	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/sdk/internal"
)

type (
	// ChildFuture is returned by ExecuteChildWorkflow. Awaiting it waits for
	// the child to close; a child that is never awaited runs on its own.
	ChildFuture = internal.ChildFuture

	ChildOptions = internal.ChildOptions
)

func WithChildOptions(ctx Context, opts ChildOptions) Context {
	return internal.WithChildOptions(ctx, opts)
}

func ExecuteChildWorkflow(ctx Context, workflowFn any, args ...any) ChildFuture {
	return internal.ExecuteChildWorkflow(ctx, workflowFn, args...)
}

// SignalExternalWorkflow signals another instance. The future fails when the
// target does not exist or is closed.
func SignalExternalWorkflow(ctx Context, id api.InstanceID, name string, payload any) Future {
	return internal.SignalExternalWorkflow(ctx, id, name, payload)
}

func SignalChildWorkflow(ctx Context, child ChildFuture, name string, payload any) Future {
	return internal.SignalChildWorkflow(ctx, child, name, payload)
}

// NewContinueAsNewError, returned from the workflow function, closes the run
// and starts a fresh one of the same instance with args as input. The new
// run's history starts empty.
func NewContinueAsNewError(ctx Context, args ...any) error {
	return internal.NewContinueAsNewError(ctx, args...)
}
