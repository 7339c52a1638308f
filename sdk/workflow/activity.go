package workflow

import (
	"github.com/ngnhng/durableflow/sdk/internal"
)

// ActivityOptions configures how an activity is executed, including timeouts
// and retry behavior.
//
// IdempotencyKey is required. It travels with every attempt so the activity
// can deduplicate its side effects:
//
//	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
//		IdempotencyKey:      "order-42-charge",
//		StartToCloseTimeout: 30 * time.Second,
//		RetryPolicy: &workflow.RetryPolicy{
//			InitialInterval:    time.Second,
//			BackoffCoefficient: 2.0,
//			MaximumAttempts:    3,
//		},
//	})
type ActivityOptions = internal.ActivityOptions

// RetryPolicy defines how activities are retried on failure.
//
// The delay before attempt n+1 is InitialInterval * BackoffCoefficient^(n-1),
// capped at MaximumInterval. Activities are not retried when:
//   - MaximumAttempts (when greater than zero) is reached
//   - the error kind is in NonRetryableErrorTypes
//   - the error was raised as non-retryable
type RetryPolicy = internal.RetryPolicy

func WithActivityOptions(ctx Context, opts ActivityOptions) Context {
	return internal.WithActivityOptions(ctx, opts)
}

// ExecuteActivity schedules an activity and returns a future for its result.
//
// activityFn is a function registered with the worker, or the name it was
// registered under. args must be serializable.
func ExecuteActivity(ctx Context, activityFn any, args ...any) Future {
	return internal.ExecuteActivity(ctx, activityFn, args...)
}
