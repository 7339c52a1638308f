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

// Package taskqueue routes tasks to workers. A task is delivered once its
// NotBefore has passed, and tasks sharing a lease key are never leased at the
// same time.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/ngnhng/durableflow/api"
)

var (
	ErrClosed    = errors.New("taskqueue: closed")
	ErrLeaseLost = errors.New("taskqueue: lease lost")
)

const DefaultLeaseTTL = 30 * time.Second

type Queue interface {
	// Enqueue adds tasks. A task whose key is already queued or leased is
	// dropped.
	Enqueue(ctx context.Context, tasks ...api.Task) error
	// Lease blocks until a task of one of kinds on queue is due.
	Lease(ctx context.Context, queue string, kinds ...api.TaskKind) (Lease, error)
	Close() error
}

// Lease is exclusive ownership of one task until Ack, Nack or expiry. An
// expired lease is redelivered.
type Lease interface {
	Task() api.Task
	// Ack removes the task.
	Ack(ctx context.Context) error
	// Nack returns the task to the queue after delay.
	Nack(ctx context.Context, delay time.Duration) error
	// Extend pushes the expiry one lease TTL into the future.
	Extend(ctx context.Context) error
}
