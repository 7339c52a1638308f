package internal

import (
	"time"

	"github.com/ngnhng/durableflow/api"
)

type (
	activityOptionsKey struct{}
	childOptionsKey    struct{}
)

// ActivityOptions configures how an activity invocation is scheduled.
type ActivityOptions struct {
	// IdempotencyKey is required. It is recorded with the invocation and
	// handed to every attempt, so the activity can deduplicate side effects.
	IdempotencyKey string

	// TaskQueue routes the activity. Defaults to the workflow's queue.
	TaskQueue string

	// StartToCloseTimeout is the maximum time of a single attempt. Defaults
	// to the value the activity was registered with.
	StartToCloseTimeout time.Duration

	// HeartbeatTimeout is the maximum time between two heartbeats. An
	// attempt that misses one is timed out even if it is still running.
	HeartbeatTimeout time.Duration

	RetryPolicy *RetryPolicy
}

// RetryPolicy defines how activities are retried on failure.
type RetryPolicy struct {
	// Backoff interval for the first retry. Defaults to 1s.
	InitialInterval time.Duration

	// Coefficient the interval grows by after each attempt. Zero means the
	// default of 2.0; any other value below 1 is rejected when the activity
	// is registered or scheduled.
	BackoffCoefficient float64

	// Cap of the backoff interval. Defaults to 100x the initial interval.
	MaximumInterval time.Duration

	// Maximum number of attempts, including the first. Zero means unlimited.
	MaximumAttempts int32

	// Failure kinds that are never retried.
	NonRetryableErrorTypes []string
}

// ChildOptions configures a child workflow.
type ChildOptions struct {
	// ID of the child instance. Defaults to <parent-id>-child-<seq>.
	ID api.InstanceID
	// TaskQueue defaults to the parent's queue.
	TaskQueue string
	// CascadeCancel forwards the parent's cancel request to the child.
	CascadeCancel    bool
	ExecutionTimeout time.Duration
}

func WithActivityOptions(ctx Context, opts ActivityOptions) Context {
	return ctx.WithValue(activityOptionsKey{}, opts)
}

func WithChildOptions(ctx Context, opts ChildOptions) Context {
	return ctx.WithValue(childOptionsKey{}, opts)
}

func getActivityOptions(ctx Context) ActivityOptions {
	opts, _ := ctx.Value(activityOptionsKey{}).(ActivityOptions)
	return opts
}

func getChildOptions(ctx Context) ChildOptions {
	opts, _ := ctx.Value(childOptionsKey{}).(ChildOptions)
	return opts
}

func convertRetryPolicyToAPI(rp *RetryPolicy) *api.RetryPolicy {
	if rp == nil {
		return nil
	}
	return &api.RetryPolicy{
		InitialIntervalMs:      rp.InitialInterval.Milliseconds(),
		BackoffCoefficient:     rp.BackoffCoefficient,
		MaximumIntervalMs:      rp.MaximumInterval.Milliseconds(),
		MaximumAttempts:        rp.MaximumAttempts,
		NonRetryableErrorTypes: rp.NonRetryableErrorTypes,
	}
}
