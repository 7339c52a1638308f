package workflow

import (
	"time"

	"github.com/ngnhng/durableflow/sdk/internal"
)

// Future represents the result of an asynchronous operation.
//
// Futures let a workflow start several operations and wait for them later:
//
//	f1 := workflow.ExecuteActivity(ctx, Activity1, arg1)
//	f2 := workflow.ExecuteActivity(ctx, Activity2, arg2)
//
//	var r1 string
//	if err := f1.Get(ctx, &r1); err != nil {
//		return err
//	}
//
// Get blocks until the operation completes. During replay it returns the
// recorded result.
type Future = internal.Future

// NewTimer returns a future that resolves once d of history time has passed.
func NewTimer(ctx Context, d time.Duration) Future {
	return internal.NewTimer(ctx, d)
}

// Sleep blocks for d of history time.
func Sleep(ctx Context, d time.Duration) error {
	return internal.Sleep(ctx, d)
}

// WaitUntil blocks until condition holds and reports true, or until timeout
// elapses and reports false. A zero timeout waits indefinitely. condition
// must only read workflow state.
func WaitUntil(ctx Context, condition func() bool, timeout time.Duration) (bool, error) {
	return internal.WaitUntil(ctx, condition, timeout)
}
