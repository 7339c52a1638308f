// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package backend assembles the history store, task queue, dispatcher,
// instance service and query router that clients and workers share.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DeluxeOwl/chronicle/event"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/history"
	"github.com/ngnhng/durableflow/internal/instance"
	"github.com/ngnhng/durableflow/internal/metrics"
	"github.com/ngnhng/durableflow/internal/projection"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
	"github.com/ngnhng/durableflow/internal/taskqueue"
)

type Options struct {
	// Serde encodes history and tasks. Defaults to msgpack.
	Serde  serde.BinarySerde
	Logger *slog.Logger
	// LeaseTTL is how long a worker holds a task without extending it.
	LeaseTTL time.Duration
	// Retention is how long closed runs are kept. Zero means the default,
	// a negative value disables the sweep.
	Retention time.Duration
	// CancelGrace applies to cancel requests that name none.
	CancelGrace time.Duration
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Serde == nil {
		o.Serde = &serde.MsgpackSerde{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = taskqueue.DefaultLeaseTTL
	}
	switch {
	case o.Retention == 0:
		o.Retention = api.DefaultRetentionPeriod
	case o.Retention < 0:
		o.Retention = 0
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = api.DefaultCancelGrace
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type Backend struct {
	Store      *history.Store
	Queue      taskqueue.Queue
	Dispatcher *projection.Dispatcher
	Instances  *instance.Service
	Queries    QueryRouter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// LeaseTTL is how long a task lease lasts without an extension.
	LeaseTTL time.Duration

	closers []func() error
}

// New wires a backend over the given log, queue and query router.
func New(log event.Log, queue taskqueue.Queue, queries QueryRouter, opts Options) *Backend {
	opts = opts.withDefaults()
	store := history.NewStore(log, opts.Serde, history.Options{
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		OnConflict: opts.Metrics.AppendConflict,
	})
	dispatcher := projection.NewDispatcher(store, queue, projection.Options{Retention: opts.Retention}, opts.Logger)
	return &Backend{
		Store:      store,
		Queue:      queue,
		Dispatcher: dispatcher,
		Instances: instance.NewService(store, dispatcher, instance.Options{
			CancelGrace: opts.CancelGrace,
			Logger:      opts.Logger,
		}),
		Queries:  queries,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
		LeaseTTL: opts.LeaseTTL,
		closers:  []func() error{queue.Close},
	}
}

// NewMemory keeps everything in process. It is meant for tests and local
// development.
func NewMemory(opts Options) *Backend {
	queue := taskqueue.NewMemory(taskqueue.MemoryOptions{LeaseTTL: opts.LeaseTTL, Clock: opts.Clock})
	return New(history.NewMemoryLog(), queue, NewMemoryQueryRouter(), opts)
}

// NewSQLite keeps history in a SQLite database and tasks in process.
func NewSQLite(ctx context.Context, dsn string, opts Options) (*Backend, error) {
	return Open(ctx, OpenConfig{History: HistorySQLite, SQLiteDSN: dsn}, opts)
}

// NewPebble keeps history in a Pebble directory and tasks in process.
func NewPebble(ctx context.Context, dir string, opts Options) (*Backend, error) {
	return Open(ctx, OpenConfig{History: HistoryPebble, PebbleDir: dir}, opts)
}

// NewNATS keeps history in JetStream streams, tasks on a work-queue stream
// and routes queries over NATS request/reply. Several processes can share it.
func NewNATS(ctx context.Context, conn *jetstreamx.Connection, opts Options) (*Backend, error) {
	return Open(ctx, OpenConfig{History: HistoryNATS, Queue: QueueNATS, Conn: conn}, opts)
}

// Recover re-dispatches the outstanding tasks of every run in the log. An
// in-process queue loses its tasks with the process; history does not.
func (b *Backend) Recover(ctx context.Context) error {
	runs, err := b.Store.Runs(ctx)
	if errors.Is(err, history.ErrScanUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, r := range runs {
		if err := b.Dispatcher.Sync(ctx, r.InstanceID, r.RunID); err != nil {
			return fmt.Errorf("recover %s/%s: %w", r.InstanceID, r.RunID, err)
		}
	}
	if len(runs) > 0 {
		b.Logger.Info("recovered outstanding tasks", "runs", len(runs))
	}
	return nil
}

// OnClose runs fn after the backend's own resources are released.
func (b *Backend) OnClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
