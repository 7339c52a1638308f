// Package worker hosts workflow and activity code.
//
// A worker polls one task queue of a backend. It replays workflow histories,
// runs activity attempts and handles the control tasks (timers, children,
// signals to other instances, cancel grace, retention) of that queue:
//
//	w := worker.New(b, worker.Options{TaskQueue: "orders", Logger: logger})
//	if err := w.RegisterWorkflow(OrderPipeline); err != nil {
//		return err
//	}
//	if err := w.RegisterActivity(acts.ChargeCard, worker.RegisterActivityOptions{
//		StartToCloseTimeout: 30 * time.Second,
//	}); err != nil {
//		return err
//	}
//	return w.Run(ctx)
//
// Run returns when ctx is canceled. Leased tasks that were in flight are
// redelivered after their lease expires, and history makes the repeat a
// no-op.
//
// A worker only polls the task kinds it has registrations for, so workflow
// workers and activity workers scale separately. Any number of workers may
// share a NATS backend: a run is replayed by one worker at a time and a lost
// compare-and-append is retried against the newer history.
package worker
