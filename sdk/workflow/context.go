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

package workflow

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ngnhng/durableflow/sdk/internal"
)

// Context is the workflow execution context.
//
// Every workflow operation goes through it so that a replay of the run makes
// the same calls in the same order and observes the same results. Workflow
// code must not:
//   - perform I/O directly
//   - read the wall clock (use Now)
//   - draw unrecorded random numbers (use NewRandom)
//   - start goroutines
//
// Use activities for everything with side effects.
type Context = internal.Context

// Info describes the run a workflow is executing in.
type Info = internal.Info

func GetInfo(ctx Context) Info {
	return internal.GetInfo(ctx)
}

// Now returns history time: the timestamp of the last event the workflow
// has observed. It is the same on every replay.
func Now(ctx Context) time.Time {
	return internal.Now(ctx)
}

// IsReplaying reports whether the workflow is re-executing recorded history.
func IsReplaying(ctx Context) bool {
	return internal.IsReplaying(ctx)
}

// GetLogger returns a logger that is silent during replay, so every line is
// written once per run.
func GetLogger(ctx Context) *slog.Logger {
	return internal.GetLogger(ctx)
}

// NewDisconnectedContext returns a context on which blocking calls keep
// working after the run was asked to cancel. Use it for cleanup.
func NewDisconnectedContext(parent Context) Context {
	return internal.NewDisconnectedContext(parent)
}

// SideEffect runs fn once, records what it returns and stores it in
// valuePtr. Replays return the recorded value.
func SideEffect(ctx Context, fn func() any, valuePtr any) error {
	return internal.SideEffect(ctx, fn, valuePtr)
}

// NewUUID returns a V7 uuid that is stable across replays.
func NewUUID(ctx Context) (uuid.UUID, error) {
	return internal.NewUUID(ctx)
}

// NewRandom returns a generator seeded from a recorded value.
func NewRandom(ctx Context) (*rand.Rand, error) {
	return internal.NewRandom(ctx)
}
