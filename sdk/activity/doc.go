// Package activity is the side of the SDK that activity code sees.
//
// An activity is any Go function whose first parameter is a context.Context
// and whose last result is an error:
//
//	func ChargeCard(ctx context.Context, order Order) (Receipt, error)
//
// Dependencies such as HTTP clients or caches are bound by registering a
// method value:
//
//	acts := &Payments{Gateway: gw}
//	w.RegisterActivity(acts.ChargeCard, worker.RegisterActivityOptions{
//		Name:                "ChargeCard",
//		StartToCloseTimeout: 30 * time.Second,
//	})
//
// Every attempt runs with a context that carries Info. Info.IdempotencyKey is
// the same for all attempts of one invocation and should be forwarded to any
// external system that supports deduplication, because activities run at
// least once.
//
// The context is canceled when the start-to-close timeout elapses or the
// worker shuts down. Activities registered with a heartbeat timeout must call
// RecordHeartbeat at least that often or the attempt times out.
//
// A returned error fails the attempt. NewError names the failure kind so the
// workflow's RetryPolicy.NonRetryableErrorTypes can match it;
// NewNonRetryableError stops retries outright. Any other error is classified
// by its Go type name.
package activity
