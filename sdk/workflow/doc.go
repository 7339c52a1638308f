// Package workflow provides the programming model for writing durable workflows.
//
// Workflows are deterministic functions that orchestrate activities, timers,
// signals and child workflows. Their progress is recorded as history, and a
// worker rebuilds the state of a run at any point by executing the function
// again against that history.
//
// # Writing Workflows
//
// A workflow is a regular Go function that takes a workflow.Context as its first parameter:
//
//	func MyWorkflow(ctx workflow.Context, name string) (string, error) {
//		ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
//			IdempotencyKey:      workflow.GetInfo(ctx).InstanceID.String() + "-greet",
//			StartToCloseTimeout: 10 * time.Second,
//		})
//		var result string
//		err := workflow.ExecuteActivity(ctx, MyActivity, name).Get(ctx, &result)
//		if err != nil {
//			return "", err
//		}
//		return result, nil
//	}
//
// # Determinism
//
// Between two runs of the same history a workflow must issue the same
// commands in the same order. A replay that diverges fails the run with a
// DeterminismViolation. This means:
//   - No direct I/O operations (filesystem, network, database)
//   - No unrecorded randomness; use NewRandom, NewUUID or SideEffect
//   - No wall clock; use Now, NewTimer and Sleep
//   - No goroutines or channels of your own
//
// All non-deterministic operations must be performed in activities.
//
// # Signals and Queries
//
// Signals are delivered in the order they reached the run, each exactly once,
// either to a handler set with SetSignalHandler or to the channel returned by
// GetSignalChannel. Queries read state through handlers set with
// SetQueryHandler and never change the run.
//
// # Long Running Workflows
//
// A workflow that loops forever should periodically return
// NewContinueAsNewError. The run closes and a fresh run of the same instance
// starts with an empty history.
//
// # Cancellation
//
// Once a cancel request is recorded, blocking calls return a
// *CancellationError. Returning it closes the run as canceled; cleanup that
// still has to block uses NewDisconnectedContext. A run still open when the
// grace period ends is terminated.
package workflow
