package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/history"
	"github.com/ngnhng/durableflow/internal/taskqueue"
)

// Dispatcher enqueues whatever a run log currently implies.
type Dispatcher struct {
	store  *history.Store
	queue  taskqueue.Queue
	opts   Options
	logger *slog.Logger
}

func NewDispatcher(store *history.Store, queue taskqueue.Queue, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, queue: queue, opts: opts, logger: logger}
}

// Sync reads the run log and enqueues its outstanding tasks.
func (d *Dispatcher) Sync(ctx context.Context, id api.InstanceID, run api.RunID) error {
	evs, _, err := d.store.Read(ctx, api.RunLogID(id, run))
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, evs)
}

// Dispatch enqueues the outstanding tasks of evs, which the caller has just
// read or written.
func (d *Dispatcher) Dispatch(ctx context.Context, evs history.Events) error {
	tasks := Outstanding(evs, d.opts)
	if len(tasks) == 0 {
		return nil
	}
	if err := d.queue.Enqueue(ctx, tasks...); err != nil {
		return fmt.Errorf("enqueue outstanding tasks: %w", err)
	}
	d.logger.Debug("dispatched tasks", "count", len(tasks), "first", tasks[0].String())
	return nil
}
