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

package command

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/backend"
)

type harness struct {
	t       *testing.T
	conv    serde.BinarySerde
	handler *Handler
}

func newHarness(t *testing.T, conv serde.BinarySerde) *harness {
	logger := slog.New(slog.DiscardHandler)
	b := backend.NewMemory(backend.Options{Serde: conv, Logger: logger})
	t.Cleanup(func() { b.Close() })
	return &harness{t: t, conv: conv, handler: NewHandler(b.Instances, conv, 0, logger)}
}

func (h *harness) call(op api.CommandType, req, reply any) {
	h.t.Helper()
	data, err := h.conv.SerializeBinary(req)
	require.NoError(h.t, err)
	out := h.handler.Handle(context.Background(), op, data)
	require.NoError(h.t, h.conv.DeserializeBinary(out, reply))
}

func (h *harness) describe(id api.InstanceID) *api.Description {
	h.t.Helper()
	var reply api.DescribeReply
	h.call(api.DescribeCommand, api.DescribeRequest{ID: id}, &reply)
	require.Empty(h.t, reply.Error)
	require.NotNil(h.t, reply.Description)
	return reply.Description
}

func TestHandlerLifecycle(t *testing.T) {
	for name, conv := range map[string]serde.BinarySerde{
		"msgpack": &serde.MsgpackSerde{},
		"json":    &serde.JsonSerde{},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, conv)

			var started api.StartReply
			h.call(api.StartCommand, api.StartRequest{ID: "order-1", Type: "Pipeline", Input: []any{"a"}}, &started)
			require.Empty(t, started.Error)
			assert.Equal(t, api.InstanceID("order-1"), started.InstanceID)
			assert.NotEmpty(t, started.RunID)

			d := h.describe("order-1")
			assert.Equal(t, started.RunID, d.RunID)
			assert.Equal(t, "Pipeline", d.Type)
			assert.Equal(t, api.DefaultTaskQueue, d.TaskQueue)
			assert.Equal(t, api.StatusRunning, d.Status)
			assert.Equal(t, 1, d.HistoryLength)

			var ack api.Reply
			h.call(api.SignalCommand, api.SignalRequest{ID: "order-1", Name: "approve", Payload: true}, &ack)
			require.Empty(t, ack.Error)
			assert.Equal(t, 2, h.describe("order-1").HistoryLength)

			h.call(api.CancelCommand, api.CancelRequest{ID: "order-1", Reason: "user"}, &ack)
			require.Empty(t, ack.Error)
			assert.Equal(t, api.StatusRunning, h.describe("order-1").Status, "cancel is a request, not a close")

			h.call(api.TerminateCommand, api.TerminateRequest{ID: "order-1", Reason: "ops"}, &ack)
			require.Empty(t, ack.Error)
			d = h.describe("order-1")
			assert.Equal(t, api.StatusTerminated, d.Status)
			assert.False(t, d.ClosedAt.IsZero())

			h.call(api.SignalCommand, api.SignalRequest{ID: "order-1", Name: "approve"}, &ack)
			assert.Contains(t, ack.Error, "run closed")
		})
	}
}

func TestHandlerStartGeneratesID(t *testing.T) {
	h := newHarness(t, &serde.MsgpackSerde{})
	var started api.StartReply
	h.call(api.StartCommand, api.StartRequest{Type: "Pipeline"}, &started)
	require.Empty(t, started.Error)
	assert.NoError(t, api.ValidateInstanceID(started.InstanceID))
}

func TestHandlerStartTwiceFails(t *testing.T) {
	h := newHarness(t, &serde.MsgpackSerde{})
	var first, second api.StartReply
	h.call(api.StartCommand, api.StartRequest{ID: "p", Type: "Pipeline"}, &first)
	h.call(api.StartCommand, api.StartRequest{ID: "p", Type: "Pipeline"}, &second)
	require.Empty(t, first.Error)
	assert.Contains(t, second.Error, "already started")
}

func TestHandlerErrors(t *testing.T) {
	h := newHarness(t, &serde.MsgpackSerde{})

	var reply api.DescribeReply
	h.call(api.DescribeCommand, api.DescribeRequest{ID: "missing"}, &reply)
	assert.Contains(t, reply.Error, "not found")

	var ack api.Reply
	h.call("pause", api.Reply{}, &ack)
	assert.Equal(t, `unknown command "pause"`, ack.Error)

	out := h.handler.Handle(context.Background(), api.StartCommand, []byte{0xc1})
	var started api.StartReply
	require.NoError(t, h.conv.DeserializeBinary(out, &started))
	assert.Contains(t, started.Error, "failed to parse request")
}
