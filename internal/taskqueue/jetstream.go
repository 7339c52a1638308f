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

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
)

var _ Queue = (*JetStream)(nil)

type JetStreamOptions struct {
	Stream   string
	LeaseTTL time.Duration
	// DuplicateWindow is how long a task key suppresses re-publishing.
	DuplicateWindow time.Duration
	PollInterval    time.Duration
	// Owner is written into lease locks.
	Owner  string
	Serde  serde.BinarySerde
	Logger *slog.Logger
}

// JetStream keeps tasks on a work-queue stream, one subject per queue and
// kind. Delays are enforced on delivery with NakWithDelay and lease keys are
// KV entries that expire with the lease TTL.
type JetStream struct {
	conn   *jetstreamx.Connection
	opts   JetStreamOptions
	kv     jetstream.KeyValue
	logger *slog.Logger

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	closed    bool
}

func NewJetStream(ctx context.Context, conn *jetstreamx.Connection, opts JetStreamOptions) (*JetStream, error) {
	if opts.Stream == "" {
		opts.Stream = api.TaskStream
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Serde == nil {
		opts.Serde = &serde.MsgpackSerde{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	_, err := conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{api.TaskFilterSubjectPattern},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: opts.DuplicateWindow,
	})
	if err != nil {
		return nil, err
	}
	kv, err := conn.EnsureKV(ctx, jetstream.KeyValueConfig{
		Bucket: api.TaskLeaseBucket,
		TTL:    opts.LeaseTTL,
	})
	if err != nil {
		return nil, err
	}
	return &JetStream{
		conn:      conn,
		opts:      opts,
		kv:        kv,
		logger:    opts.Logger,
		consumers: map[string]jetstream.Consumer{},
	}, nil
}

func (q *JetStream) Enqueue(ctx context.Context, tasks ...api.Task) error {
	for _, t := range tasks {
		data, err := q.opts.Serde.SerializeBinary(t)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", t, err)
		}
		msg := nats.NewMsg(taskSubject(t.TaskQueue, t.Kind))
		msg.Data = data
		msg.Header.Set(api.TaskKindHeader, string(t.Kind))
		if t.NotBeforeMs > 0 {
			msg.Header.Set(api.NotBeforeHeader, strconv.FormatInt(t.NotBeforeMs, 10))
		}
		if _, err := q.conn.JS().PublishMsg(ctx, msg, jetstream.WithMsgID(t.Key)); err != nil {
			return fmt.Errorf("publish task %s: %w", t, err)
		}
	}
	return nil
}

func (q *JetStream) Lease(ctx context.Context, queue string, kinds ...api.TaskKind) (Lease, error) {
	consumers := make([]jetstream.Consumer, 0, len(kinds))
	for _, k := range kinds {
		c, err := q.consumer(ctx, queue, k)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, c)
	}

	for {
		if q.isClosed() {
			return nil, ErrClosed
		}
		for _, c := range consumers {
			batch, err := c.FetchNoWait(1)
			if err != nil {
				return nil, fmt.Errorf("fetch task: %w", err)
			}
			for msg := range batch.Messages() {
				if l := q.claim(ctx, msg); l != nil {
					return l, nil
				}
			}
			if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
				q.logger.Debug("task fetch ended", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// claim turns a delivered message into a lease, or hands it back when it is
// not due yet or its lease key is held elsewhere.
func (q *JetStream) claim(ctx context.Context, msg jetstream.Msg) Lease {
	var t api.Task
	if err := q.opts.Serde.DeserializeBinary(msg.Data(), &t); err != nil {
		q.logger.Error("dropping undecodable task", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return nil
	}
	if wait := time.Until(t.NotBefore()); !t.NotBefore().IsZero() && wait > 0 {
		_ = msg.NakWithDelay(wait)
		return nil
	}
	l := &jsLease{q: q, msg: msg, task: t}
	if t.LeaseKey != "" {
		rev, err := q.kv.Create(ctx, t.LeaseKey, []byte(q.opts.Owner))
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyExists) {
				q.logger.Warn("lease lock failed", "key", t.LeaseKey, "error", err)
			}
			_ = msg.NakWithDelay(q.opts.PollInterval * 2)
			return nil
		}
		l.rev = rev
	}
	return l
}

func (q *JetStream) consumer(ctx context.Context, queue string, kind api.TaskKind) (jetstream.Consumer, error) {
	name := fmt.Sprintf(api.TaskConsumerPattern, token(queue), token(string(kind)))
	q.mu.Lock()
	c, ok := q.consumers[name]
	q.mu.Unlock()
	if ok {
		return c, nil
	}
	c, err := q.conn.EnsureConsumer(ctx, q.opts.Stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: taskSubject(queue, kind),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.LeaseTTL,
		MaxDeliver:    -1,
		MaxAckPending: -1,
	})
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.consumers[name] = c
	q.mu.Unlock()
	return c, nil
}

func (q *JetStream) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *JetStream) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type jsLease struct {
	q    *JetStream
	msg  jetstream.Msg
	task api.Task
	rev  uint64
}

func (l *jsLease) Task() api.Task { return l.task }

func (l *jsLease) Ack(ctx context.Context) error {
	if err := l.msg.Ack(); err != nil {
		return fmt.Errorf("ack %s: %w", l.task, err)
	}
	l.unlock(ctx)
	return nil
}

func (l *jsLease) Nack(ctx context.Context, delay time.Duration) error {
	if err := l.msg.NakWithDelay(delay); err != nil {
		return fmt.Errorf("nak %s: %w", l.task, err)
	}
	l.unlock(ctx)
	return nil
}

func (l *jsLease) Extend(ctx context.Context) error {
	if err := l.msg.InProgress(); err != nil {
		return fmt.Errorf("extend %s: %w", l.task, err)
	}
	if l.task.LeaseKey == "" {
		return nil
	}
	rev, err := l.q.kv.Update(ctx, l.task.LeaseKey, []byte(l.q.opts.Owner), l.rev)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLeaseLost, l.task.LeaseKey, err)
	}
	l.rev = rev
	return nil
}

func (l *jsLease) unlock(ctx context.Context) {
	if l.task.LeaseKey == "" {
		return
	}
	if err := l.q.kv.Delete(ctx, l.task.LeaseKey, jetstream.LastRevision(l.rev)); err != nil {
		l.q.logger.Debug("lease unlock failed", "key", l.task.LeaseKey, "error", err)
	}
}

func taskSubject(queue string, kind api.TaskKind) string {
	return fmt.Sprintf(api.TaskSubjectPattern, token(queue), token(string(kind)))
}

// token makes s usable as a single subject token and consumer name.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
