package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
)

var ErrNoQueryWorker = errors.New("backend: no worker serves queries for this process type")

// QueryHandler answers a query by replaying the run it names.
type QueryHandler func(ctx context.Context, req api.QueryRequest) api.QueryReply

// QueryRouter carries queries from clients to workers that registered the
// process type.
type QueryRouter interface {
	Query(ctx context.Context, req api.QueryRequest) (api.QueryReply, error)
	Serve(ctx context.Context, processType string, h QueryHandler) (stop func(), err error)
}

type memoryEntry struct {
	id int
	h  QueryHandler
}

// MemoryQueryRouter calls handlers in process, rotating between the handlers
// of a type.
type MemoryQueryRouter struct {
	mu       sync.Mutex
	next     int
	handlers map[string][]memoryEntry
	turn     map[string]int
}

func NewMemoryQueryRouter() *MemoryQueryRouter {
	return &MemoryQueryRouter{handlers: map[string][]memoryEntry{}, turn: map[string]int{}}
}

func (r *MemoryQueryRouter) Query(ctx context.Context, req api.QueryRequest) (api.QueryReply, error) {
	r.mu.Lock()
	hs := r.handlers[req.Type]
	if len(hs) == 0 {
		r.mu.Unlock()
		return api.QueryReply{}, fmt.Errorf("%w: %s", ErrNoQueryWorker, req.Type)
	}
	h := hs[r.turn[req.Type]%len(hs)].h
	r.turn[req.Type]++
	r.mu.Unlock()
	return h(ctx, req), nil
}

func (r *MemoryQueryRouter) Serve(_ context.Context, processType string, h QueryHandler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.handlers[processType] = append(r.handlers[processType], memoryEntry{id: id, h: h})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		hs := r.handlers[processType]
		for i, e := range hs {
			if e.id == id {
				r.handlers[processType] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}, nil
}

// NATSQueryRouter sends queries as NATS requests. Workers of a type share a
// queue group, so each query reaches one of them.
type NATSQueryRouter struct {
	conn    *jetstreamx.Connection
	serde   serde.BinarySerde
	logger  *slog.Logger
	timeout time.Duration
}

func NewNATSQueryRouter(conn *jetstreamx.Connection, s serde.BinarySerde, logger *slog.Logger) *NATSQueryRouter {
	if s == nil {
		s = &serde.MsgpackSerde{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSQueryRouter{conn: conn, serde: s, logger: logger, timeout: 30 * time.Second}
}

func querySubject(processType string) string {
	return fmt.Sprintf(api.QuerySubjectPattern, strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(processType))
}

func (r *NATSQueryRouter) Query(ctx context.Context, req api.QueryRequest) (api.QueryReply, error) {
	data, err := r.serde.SerializeBinary(req)
	if err != nil {
		return api.QueryReply{}, fmt.Errorf("encode query: %w", err)
	}
	raw, err := r.conn.Request(ctx, querySubject(req.Type), data)
	if errors.Is(err, nats.ErrNoResponders) {
		return api.QueryReply{}, fmt.Errorf("%w: %s", ErrNoQueryWorker, req.Type)
	}
	if err != nil {
		return api.QueryReply{}, err
	}
	var reply api.QueryReply
	if err := r.serde.DeserializeBinary(raw, &reply); err != nil {
		return api.QueryReply{}, fmt.Errorf("decode query reply: %w", err)
	}
	return reply, nil
}

func (r *NATSQueryRouter) Serve(ctx context.Context, processType string, h QueryHandler) (func(), error) {
	sub, err := r.conn.QueueSubscribe(querySubject(processType), api.WorkerQueryProcessorsQueue, func(msg *nats.Msg) {
		var req api.QueryRequest
		reply := api.QueryReply{}
		if err := r.serde.DeserializeBinary(msg.Data, &req); err != nil {
			reply.Error = fmt.Sprintf("decode query: %v", err)
		} else {
			qctx, cancel := context.WithTimeout(ctx, r.timeout)
			reply = h(qctx, req)
			cancel()
		}
		data, err := r.serde.SerializeBinary(reply)
		if err != nil {
			r.logger.Error("encode query reply", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			r.logger.Warn("respond to query", "error", err, "name", req.Name)
		}
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("unsubscribe query handler", "error", err)
		}
	}, nil
}
