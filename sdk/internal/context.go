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

package internal

import (
	"context"
	"log/slog"
	"time"

	"github.com/ngnhng/durableflow/api"
)

// Context is the workflow execution context. Every workflow operation goes
// through it so that a replay observes exactly what the first execution did.
type Context interface {
	context.Context
	WithValue(key any, value any) Context
}

var _ Context = (*workflowContext)(nil)

type workflowContext struct {
	*workflowState
	context.Context

	// disconnected contexts keep blocking after the run was asked to cancel.
	disconnected bool
}

func (c *workflowContext) WithValue(key any, value any) Context {
	return &workflowContext{
		workflowState: c.workflowState,
		Context:       context.WithValue(c.Context, key, value),
		disconnected:  c.disconnected,
	}
}

// stateOf panics on a context the runtime did not create; workflow
// operations have no meaning outside a pass.
func stateOf(ctx Context) *workflowState {
	c, ok := ctx.(*workflowContext)
	if !ok || c.workflowState == nil {
		panic("workflow: operation called with a context not created by the workflow runtime")
	}
	return c.workflowState
}

func cancellable(ctx Context) bool {
	c, ok := ctx.(*workflowContext)
	return ok && !c.disconnected
}

// NewDisconnectedContext returns a context whose blocking calls ignore a
// cancel request, for cleanup after cancellation.
func NewDisconnectedContext(parent Context) Context {
	s := stateOf(parent)
	return &workflowContext{workflowState: s, Context: parent.(*workflowContext).Context, disconnected: true}
}

// Info describes the run a workflow is executing in.
type Info struct {
	InstanceID    api.InstanceID
	RunID         api.RunID
	Type          string
	TaskQueue     string
	ContinuedFrom api.RunID
	Parent        *api.ParentRef
	// HistoryLength is the number of events revealed so far.
	HistoryLength int
}

func GetInfo(ctx Context) Info {
	s := stateOf(ctx)
	info := s.info
	info.HistoryLength = s.cursor
	return info
}

// Now is the timestamp of the last revealed event.
func Now(ctx Context) time.Time {
	return stateOf(ctx).now
}

// IsReplaying reports whether the pass is still behind the recorded history.
func IsReplaying(ctx Context) bool {
	return stateOf(ctx).replaying()
}

// GetLogger returns a logger that stays silent while replaying.
func GetLogger(ctx Context) *slog.Logger {
	s := stateOf(ctx)
	return slog.New(replayHandler{Handler: s.logger.Handler(), state: s}).With(
		"instance_id", s.info.InstanceID,
		"run_id", s.info.RunID,
	)
}

type replayHandler struct {
	slog.Handler
	state *workflowState
}

func (h replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.state.replaying() && h.Handler.Enabled(ctx, level)
}

func (h replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return replayHandler{Handler: h.Handler.WithAttrs(attrs), state: h.state}
}

func (h replayHandler) WithGroup(name string) slog.Handler {
	return replayHandler{Handler: h.Handler.WithGroup(name), state: h.state}
}
