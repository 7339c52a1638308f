package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/taskqueue"
)

const controlNackDelay = time.Second

// runControl handles the control tasks of one task queue: timers, children,
// signal delivery, cancel grace, execution timeouts and retention. None of
// them need registered workflow code.
func runControl(ctx context.Context, b *backend.Backend, queue string, logger *slog.Logger) error {
	for {
		lease, err := b.Queue.Lease(ctx, queue, api.ControlTaskKinds...)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, taskqueue.ErrClosed) {
				return nil
			}
			return err
		}
		task := lease.Task()
		if err := b.Instances.HandleControl(ctx, task); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.Metrics.TaskHandled(string(task.Kind), "error")
			logger.Warn("control task failed, will redeliver", "task", task.String(), "error", err)
			if nerr := lease.Nack(ctx, controlNackDelay); nerr != nil {
				logger.Warn("nack control task", "task", task.String(), "error", nerr)
			}
			continue
		}
		b.Metrics.TaskHandled(string(task.Kind), "ok")
		if err := lease.Ack(ctx); err != nil {
			logger.Warn("ack control task", "task", task.String(), "error", err)
		}
	}
}
