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

package jetstreamx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/DeluxeOwl/chronicle/event"
	"github.com/DeluxeOwl/chronicle/eventlog"
	"github.com/DeluxeOwl/chronicle/version"
	"github.com/gofrs/uuid/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var _ event.Log = (*EventLog)(nil)

const (
	// ADR-50 atomic batch publish.
	batchIDHeader     = "Nats-Batch-Id"
	batchSeqHeader    = "Nats-Batch-Sequence"
	batchCommitHeader = "Nats-Batch-Commit"

	expectedLastSubjectSeqHeader = "Nats-Expected-Last-Subject-Sequence"

	eventNameHeader    = "Df-Event-Name"
	eventVersionHeader = "Df-Event-Version"
)

// batchPubAck is the commit reply of a batch publish. jetstream.PubAck has no
// batch fields.
type batchPubAck struct {
	jetstream.PubAck
	BatchID   string             `json:"batch"`
	BatchSize int                `json:"count"`
	Error     jetstream.APIError `json:"error"`
}

type EventLogOptions struct {
	StreamPrefix  string
	SubjectPrefix string
	Storage       jetstream.StorageType
}

// EventLog stores every log in its own stream, so the stream sequence of a
// log's last message is the log's version.
type EventLog struct {
	conn    *Connection
	opts    EventLogOptions
	streams sync.Map // stream name -> struct{}
}

func NewEventLog(conn *Connection, opts EventLogOptions) (*EventLog, error) {
	if conn == nil || conn.nc == nil {
		return nil, errors.New("jetstreamx: event log needs a connection")
	}
	if opts.StreamPrefix == "" {
		opts.StreamPrefix = "PROCESS_HISTORY"
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "history"
	}
	return &EventLog{conn: conn, opts: opts}, nil
}

func (l *EventLog) AppendEvents(ctx context.Context, id event.LogID, expected version.Check, events event.RawEvents) (version.Version, error) {
	if len(events) == 0 {
		return version.Zero, eventlog.ErrNoEvents
	}
	exp, ok := expected.(version.CheckExact)
	if !ok {
		return version.Zero, eventlog.ErrUnsupportedCheck
	}
	if err := l.ensureStream(ctx, id); err != nil {
		return version.Zero, err
	}

	subject := l.subject(id)
	msgs := make([]*nats.Msg, len(events))
	for i, raw := range events {
		msgs[i] = &nats.Msg{
			Subject: subject,
			Data:    raw.Data(),
			Header: nats.Header{
				eventNameHeader:    []string{raw.EventName()},
				eventVersionHeader: []string{strconv.FormatUint(uint64(exp)+uint64(i)+1, 10)},
			},
		}
	}

	var err error
	if len(msgs) == 1 {
		_, err = l.conn.js.PublishMsg(ctx, msgs[0], jetstream.WithExpectLastSequencePerSubject(uint64(exp)))
	} else {
		err = l.publishBatch(ctx, msgs, uint64(exp))
	}
	if err != nil {
		if actual, ok := actualVersion(err); ok {
			return version.Zero, version.NewConflictError(version.Version(exp), actual)
		}
		return version.Zero, fmt.Errorf("append %s: %w", id, err)
	}
	return version.Version(exp) + version.Version(len(events)), nil
}

func (l *EventLog) ReadEvents(ctx context.Context, id event.LogID, selector version.Selector) event.Records {
	return func(yield func(*event.Record, error) bool) {
		stream, err := l.conn.js.Stream(ctx, l.streamName(id))
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("read %s: %w", id, err))
			return
		}
		info, err := stream.Info(ctx)
		if err != nil {
			yield(nil, fmt.Errorf("read %s: stream info: %w", id, err))
			return
		}
		if info.State.Msgs == 0 {
			return
		}

		for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
			msg, err := stream.GetMsg(ctx, seq)
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			if err != nil {
				yield(nil, fmt.Errorf("read %s seq %d: %w", id, seq, err))
				return
			}
			rec, err := toRecord(id, msg.Header, msg.Data)
			if err != nil {
				yield(nil, fmt.Errorf("read %s seq %d: %w", id, seq, err))
				return
			}
			if rec.Version() < selector.From {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// DeleteLog removes the log's stream. The next append recreates it and
// starts again at version one.
func (l *EventLog) DeleteLog(ctx context.Context, id event.LogID) error {
	name := l.streamName(id)
	l.streams.Delete(name)
	err := l.conn.js.DeleteStream(ctx, name)
	if err != nil && !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (l *EventLog) ensureStream(ctx context.Context, id event.LogID) error {
	name := l.streamName(id)
	if _, ok := l.streams.Load(name); ok {
		return nil
	}
	_, err := l.conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:               name,
		Subjects:           []string{l.subject(id)},
		Storage:            l.opts.Storage,
		Retention:          jetstream.LimitsPolicy,
		AllowAtomicPublish: true,
	})
	if err != nil {
		return err
	}
	l.streams.Store(name, struct{}{})
	return nil
}

// publishBatch writes msgs atomically. The first and last messages are
// requests; the last carries the commit flag and returns the ack.
func (l *EventLog) publishBatch(ctx context.Context, msgs []*nats.Msg, expectedLastSeq uint64) error {
	uid, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("batch id: %w", err)
	}
	batchID := uid.String()

	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg.Header.Set(batchIDHeader, batchID)
		msg.Header.Set(batchSeqHeader, strconv.Itoa(i+1))
		first, last := i == 0, i == len(msgs)-1
		if first {
			msg.Header.Set(expectedLastSubjectSeqHeader, strconv.FormatUint(expectedLastSeq, 10))
		}
		if last {
			msg.Header.Set(batchCommitHeader, "1")
		}

		if !first && !last {
			if err := l.conn.nc.PublishMsg(msg); err != nil {
				return err
			}
			continue
		}
		reply, err := l.conn.nc.RequestMsgWithContext(ctx, msg)
		if err != nil {
			return fmt.Errorf("batch message %d: %w", i+1, err)
		}
		if len(reply.Data) == 0 {
			continue
		}
		var ack batchPubAck
		if err := json.Unmarshal(reply.Data, &ack); err != nil {
			if last {
				return fmt.Errorf("decode batch commit reply: %w", err)
			}
			continue
		}
		if ack.Error.ErrorCode != 0 || ack.Error.Code != 0 {
			return &ack.Error
		}
	}
	return nil
}

var trailingNumber = regexp.MustCompile(`(\d+)$`)

// actualVersion extracts the current sequence from a wrong-last-sequence
// publish error.
func actualVersion(err error) (version.Version, bool) {
	var apiErr *jetstream.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != jetstream.JSErrCodeStreamWrongLastSequence {
		return version.Zero, false
	}
	m := trailingNumber.FindStringSubmatch(apiErr.Description)
	if len(m) < 2 {
		return version.Zero, true
	}
	actual, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return version.Zero, true
	}
	return version.Version(actual), true
}

func toRecord(id event.LogID, h nats.Header, data []byte) (*event.Record, error) {
	name := h.Get(eventNameHeader)
	if name == "" {
		return nil, errors.New("missing event name header")
	}
	v, err := strconv.ParseUint(h.Get(eventVersionHeader), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("event version header: %w", err)
	}
	return event.NewRecord(version.Version(v), id, name, data), nil
}

var unsafeName = strings.NewReplacer("/", "_", ".", "_", " ", "_", "*", "_", ">", "_")

func (l *EventLog) streamName(id event.LogID) string {
	return l.opts.StreamPrefix + "_" + unsafeName.Replace(string(id))
}

func (l *EventLog) subject(id event.LogID) string {
	return l.opts.SubjectPrefix + "." + unsafeName.Replace(string(id))
}
