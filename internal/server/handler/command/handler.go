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

// Package command serves start, signal, cancel, terminate and describe
// requests arriving on command.request.<op>.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/nats-io/nats.go"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/instance"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
)

// Instances is the part of instance.Service the handler drives.
type Instances interface {
	Start(ctx context.Context, p instance.StartParams) (api.RunID, error)
	Signal(ctx context.Context, id api.InstanceID, name string, payload any, opts instance.SignalOptions) error
	Cancel(ctx context.Context, id api.InstanceID, reason string, grace time.Duration) error
	Terminate(ctx context.Context, id api.InstanceID, reason string) error
	Describe(ctx context.Context, id api.InstanceID) (*api.Description, error)
}

var _ Instances = (*instance.Service)(nil)

type Handler struct {
	instances Instances
	conv      serde.BinarySerde
	timeout   time.Duration
	logger    *slog.Logger
}

func NewHandler(instances Instances, conv serde.BinarySerde, timeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{instances: instances, conv: conv, timeout: timeout, logger: logger}
}

// HandleRequest is a nats.MsgHandler.
func (h *Handler) HandleRequest(msg *nats.Msg) {
	op := api.CommandType(strings.TrimPrefix(msg.Subject, api.CommandRequestSubjectPrefix))
	h.logger.Debug("command received", "op", op, "reply", msg.Reply)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	reply := h.Handle(ctx, op, msg.Data)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(reply); err != nil {
		h.logger.Warn("respond to command", "op", op, "error", err)
	}
}

// Handle decodes one request, runs it and returns the encoded reply. Failures
// are carried in the reply's Error field.
func (h *Handler) Handle(ctx context.Context, op api.CommandType, data []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in command handler", "op", op, "panic", r)
			reply = h.encode(api.Reply{Error: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	switch op {
	case api.StartCommand:
		var req api.StartRequest
		if err := h.conv.DeserializeBinary(data, &req); err != nil {
			return h.encode(api.StartReply{Error: badRequest(err)})
		}
		return h.encode(h.start(ctx, req))
	case api.SignalCommand:
		var req api.SignalRequest
		if err := h.conv.DeserializeBinary(data, &req); err != nil {
			return h.encode(api.Reply{Error: badRequest(err)})
		}
		return h.encode(ack(h.instances.Signal(ctx, req.ID, req.Name, req.Payload, instance.SignalOptions{Sender: "command-handler"})))
	case api.CancelCommand:
		var req api.CancelRequest
		if err := h.conv.DeserializeBinary(data, &req); err != nil {
			return h.encode(api.Reply{Error: badRequest(err)})
		}
		grace := time.Duration(req.GraceMs) * time.Millisecond
		return h.encode(ack(h.instances.Cancel(ctx, req.ID, req.Reason, grace)))
	case api.TerminateCommand:
		var req api.TerminateRequest
		if err := h.conv.DeserializeBinary(data, &req); err != nil {
			return h.encode(api.Reply{Error: badRequest(err)})
		}
		return h.encode(ack(h.instances.Terminate(ctx, req.ID, req.Reason)))
	case api.DescribeCommand:
		var req api.DescribeRequest
		if err := h.conv.DeserializeBinary(data, &req); err != nil {
			return h.encode(api.DescribeReply{Error: badRequest(err)})
		}
		d, err := h.instances.Describe(ctx, req.ID)
		if err != nil {
			return h.encode(api.DescribeReply{Error: err.Error()})
		}
		return h.encode(api.DescribeReply{Description: d})
	default:
		return h.encode(api.Reply{Error: fmt.Sprintf("unknown command %q", op)})
	}
}

func (h *Handler) start(ctx context.Context, req api.StartRequest) api.StartReply {
	if req.ID == "" {
		req.ID = api.InstanceID(uuid.Must(uuid.NewV7()).String())
	}
	run, err := h.instances.Start(ctx, instance.StartParams{
		ID:               req.ID,
		Type:             req.Type,
		Input:            req.Input,
		TaskQueue:        req.TaskQueue,
		ExecutionTimeout: time.Duration(req.ExecutionTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return api.StartReply{InstanceID: req.ID, Error: err.Error()}
	}
	h.logger.Debug("start command served", "instance_id", req.ID, "run_id", run)
	return api.StartReply{InstanceID: req.ID, RunID: run}
}

func (h *Handler) encode(v any) []byte {
	b, err := h.conv.SerializeBinary(v)
	if err != nil {
		h.logger.Error("encode command reply", "error", err)
		return nil
	}
	return b
}

func ack(err error) api.Reply {
	if err != nil {
		return api.Reply{Error: err.Error()}
	}
	return api.Reply{}
}

func badRequest(err error) string {
	return "failed to parse request: " + err.Error()
}

// RunProcessor serves commands until ctx is done. Servers sharing a NATS
// cluster split the requests through a queue group.
func RunProcessor(ctx context.Context, conn *jetstreamx.Connection, handler *Handler) error {
	sub, err := conn.QueueSubscribe(
		api.CommandRequestSubjectPattern,
		api.ManagerCommandProcessorsQueue,
		handler.HandleRequest,
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}
