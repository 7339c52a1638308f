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

// Package history stores run and instance logs on top of a chronicle event
// log. Every write is a compare-and-append against the version the writer
// read.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DeluxeOwl/chronicle/event"
	"github.com/DeluxeOwl/chronicle/version"
	"github.com/avast/retry-go/v4"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
)

var (
	ErrConflict          = errors.New("history: version conflict")
	ErrRunNotFound       = errors.New("history: run not found")
	ErrDeleteUnsupported = errors.New("history: log does not support deletion")
	ErrUnknownEvent      = errors.New("history: unknown event kind")
	ErrScanUnsupported   = errors.New("history: log cannot be scanned")
)

// envelope is the stored record body. The timestamp lives beside the payload
// because chronicle records carry none.
type envelope struct {
	TimestampMs int64  `json:"ts"`
	Payload     []byte `json:"payload"`
}

type Options struct {
	// Clock stamps appended events. Defaults to time.Now.
	Clock func() time.Time
	// ConflictAttempts bounds Update retries. Defaults to 10.
	ConflictAttempts uint
	Logger           *slog.Logger
	// OnConflict is called for every compare-and-append conflict.
	OnConflict func(logID string)
}

type Store struct {
	log       event.Log
	serde     serde.BinarySerde
	factories map[string]func() api.Event
	clock     func() time.Time
	attempts  uint
	logger    *slog.Logger
	onConfl   func(string)
}

func NewStore(log event.Log, s serde.BinarySerde, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ConflictAttempts == 0 {
		opts.ConflictAttempts = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if s == nil {
		s = &serde.MsgpackSerde{}
	}
	return &Store{
		log:       log,
		serde:     s,
		factories: api.NewEventFuncs(),
		clock:     opts.Clock,
		attempts:  opts.ConflictAttempts,
		logger:    opts.Logger,
		onConfl:   opts.OnConflict,
	}
}

func (s *Store) Serde() serde.BinarySerde { return s.serde }

func (s *Store) Now() time.Time { return s.clock() }

// Read returns every event of the log and the version to append at.
func (s *Store) Read(ctx context.Context, logID string) (Events, version.Version, error) {
	records, err := s.log.ReadEvents(ctx, event.LogID(logID), version.SelectFromBeginning).Collect()
	if err != nil {
		return nil, version.Zero, fmt.Errorf("read %s: %w", logID, err)
	}
	out := make(Events, 0, len(records))
	last := version.Zero
	for _, rec := range records {
		he, err := s.decode(rec)
		if err != nil {
			return nil, version.Zero, fmt.Errorf("read %s v%d: %w", logID, rec.Version(), err)
		}
		out = append(out, he)
		last = rec.Version()
	}
	return out, last, nil
}

// ReadRun reads a run log and fails with ErrRunNotFound when it is empty.
func (s *Store) ReadRun(ctx context.Context, id api.InstanceID, run api.RunID) (Events, version.Version, error) {
	evs, v, err := s.Read(ctx, api.RunLogID(id, run))
	if err != nil {
		return nil, version.Zero, err
	}
	if len(evs) == 0 {
		return nil, version.Zero, fmt.Errorf("%w: %s/%s", ErrRunNotFound, id, run)
	}
	return evs, v, nil
}

// Append writes events if the log is still at expected. A lost race returns
// an error wrapping ErrConflict.
func (s *Store) Append(ctx context.Context, logID string, expected version.Version, events ...api.Event) (version.Version, error) {
	v, _, err := s.write(ctx, logID, expected, events)
	return v, err
}

func (s *Store) write(ctx context.Context, logID string, expected version.Version, events []api.Event) (version.Version, Events, error) {
	if len(events) == 0 {
		return expected, nil, nil
	}
	now := time.UnixMilli(s.clock().UnixMilli())
	ts := now.UnixMilli()
	raws := make(event.RawEvents, 0, len(events))
	for _, e := range events {
		payload, err := s.serde.SerializeBinary(e)
		if err != nil {
			return version.Zero, nil, fmt.Errorf("encode %s: %w", e.EventName(), err)
		}
		body, err := s.serde.SerializeBinary(envelope{TimestampMs: ts, Payload: payload})
		if err != nil {
			return version.Zero, nil, fmt.Errorf("encode envelope %s: %w", e.EventName(), err)
		}
		raws = append(raws, event.NewRaw(e.EventName(), body))
	}

	v, err := s.log.AppendEvents(ctx, event.LogID(logID), version.CheckExact(expected), raws)
	if err != nil {
		var conflict *version.ConflictError
		if errors.As(err, &conflict) {
			if s.onConfl != nil {
				s.onConfl(logID)
			}
			return version.Zero, nil, fmt.Errorf("%w: %s expected %d actual %d", ErrConflict, logID, conflict.Expected, conflict.Actual)
		}
		return version.Zero, nil, fmt.Errorf("append %s: %w", logID, err)
	}
	out := make(Events, len(events))
	for i, e := range events {
		out[i] = api.HistoryEvent{Seq: uint64(expected) + uint64(i) + 1, Timestamp: now, Event: e}
	}
	return v, out, nil
}

// UpdateFunc inspects the current events and returns what to append. A nil
// slice appends nothing.
type UpdateFunc func(current Events) ([]api.Event, error)

// Update runs read, decide and append until the append wins or the attempts
// run out. fn must be safe to call more than once.
func (s *Store) Update(ctx context.Context, logID string, fn UpdateFunc) (Events, error) {
	return retry.DoWithData(
		func() (Events, error) {
			current, v, err := s.Read(ctx, logID)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			add, err := fn(current)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			if len(add) == 0 {
				return current, nil
			}
			_, added, err := s.write(ctx, logID, v, add)
			if err != nil {
				return nil, err
			}
			return append(current, added...), nil
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(5*time.Millisecond),
		retry.MaxJitter(10*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrConflict) }),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("history append conflict, retrying", "log", logID, "attempt", n+1)
		}),
	)
}

// Delete drops logID entirely. It returns ErrDeleteUnsupported when the
// underlying log is not a Deleter.
func (s *Store) Delete(ctx context.Context, logID string) error {
	del, ok := s.log.(Deleter)
	if !ok {
		return ErrDeleteUnsupported
	}
	if err := del.DeleteLog(ctx, event.LogID(logID)); err != nil {
		return fmt.Errorf("delete %s: %w", logID, err)
	}
	return nil
}

func (s *Store) decode(rec *event.Record) (api.HistoryEvent, error) {
	newEvent, ok := s.factories[rec.EventName()]
	if !ok {
		return api.HistoryEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, rec.EventName())
	}
	var env envelope
	if err := s.serde.DeserializeBinary(rec.Data(), &env); err != nil {
		return api.HistoryEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	e := newEvent()
	if err := s.serde.DeserializeBinary(env.Payload, e); err != nil {
		return api.HistoryEvent{}, fmt.Errorf("decode %s: %w", rec.EventName(), err)
	}
	return api.HistoryEvent{
		Seq:       uint64(rec.Version()),
		Timestamp: time.UnixMilli(env.TimestampMs),
		Event:     e,
	}, nil
}

// RunRef names a run found by Runs.
type RunRef struct {
	InstanceID api.InstanceID
	RunID      api.RunID
}

// Runs lists every run log that holds a ProcessStarted, in global order. It
// needs a log that implements event.GlobalReader.
func (s *Store) Runs(ctx context.Context) ([]RunRef, error) {
	global, ok := s.log.(event.GlobalReader)
	if !ok {
		return nil, ErrScanUnsupported
	}
	started := (&api.ProcessStarted{}).EventName()
	var refs []RunRef
	for rec, err := range global.ReadAllEvents(ctx, version.SelectFromBeginning) {
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if rec.EventName() != started {
			continue
		}
		if id, run, ok := api.ParseRunLogID(string(rec.LogID())); ok {
			refs = append(refs, RunRef{InstanceID: id, RunID: run})
		}
	}
	return refs, nil
}
