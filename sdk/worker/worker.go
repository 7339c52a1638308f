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

package worker

import (
	"context"

	"github.com/ngnhng/durableflow/sdk/backend"
	"github.com/ngnhng/durableflow/sdk/internal"
)

// Worker is the runtime that executes workflows and activities.
//
// A worker polls one task queue of a backend, replays workflow runs, executes
// activity attempts and handles the bookkeeping tasks of the runs on that
// queue. Workers must register workflows and activities before starting.
//
// Example:
//
//	w := worker.New(b, worker.Options{TaskQueue: "orders"})
//
//	// Register workflows and activities
//	w.RegisterWorkflow(MyWorkflow)
//	w.RegisterActivity(MyActivity)
//
//	// Run the worker
//	if err := w.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
type Worker interface {
	Registry
	// Run polls until the context is canceled or an error occurs.
	Run(ctx context.Context) error
}

// Registry combines workflow and activity registration.
type Registry interface {
	// RegisterWorkflow registers a func(workflow.Context, ...args) (result, error)
	// or func(workflow.Context, ...args) error. It is known by its function
	// name unless opts name it.
	RegisterWorkflow(fn any, opts ...RegisterWorkflowOptions) error
	// RegisterActivity registers a func(context.Context, ...args) (result, error)
	// or func(context.Context, ...args) error.
	RegisterActivity(fn any, opts ...RegisterActivityOptions) error
}

type (
	RegisterWorkflowOptions = internal.WorkflowRegisterOptions
	// RegisterActivityOptions also carries defaults applied when the
	// scheduling workflow leaves a timeout or the retry policy unset.
	RegisterActivityOptions = internal.ActivityRegisterOptions
)

// Options contains configuration for creating a new Worker.
type Options = internal.WorkerOptions

var _ Worker = (*internal.Worker)(nil)

// New creates a Worker polling b.
func New(b *backend.Backend, options Options) Worker {
	return internal.NewWorker(b, options)
}
