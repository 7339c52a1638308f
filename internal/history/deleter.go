package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/DeluxeOwl/chronicle/event"
	"github.com/DeluxeOwl/chronicle/eventlog"
	"github.com/DeluxeOwl/chronicle/version"
	"github.com/cockroachdb/pebble"
)

// Deleter is implemented by logs that can drop a whole log. After DeleteLog
// the log reads empty and the next append starts again at version zero.
type Deleter interface {
	DeleteLog(ctx context.Context, id event.LogID) error
}

// MemoryLog is chronicle's in-memory log with deletion. Deleted records are
// hidden behind a per-log base version rather than freed, so versions seen
// by callers restart at zero while the underlying log keeps counting.
type MemoryLog struct {
	mem *eventlog.Memory

	mu   sync.RWMutex
	base map[event.LogID]version.Version
}

var (
	_ event.GlobalLog = (*MemoryLog)(nil)
	_ Deleter         = (*MemoryLog)(nil)
)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{mem: eventlog.NewMemory(), base: map[event.LogID]version.Version{}}
}

func (m *MemoryLog) baseOf(id event.LogID) version.Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base[id]
}

func (m *MemoryLog) ReadEvents(ctx context.Context, id event.LogID, selector version.Selector) event.Records {
	base := m.baseOf(id)
	return func(yield func(*event.Record, error) bool) {
		for rec, err := range m.mem.ReadEvents(ctx, id, version.Selector{From: selector.From + base}) {
			if err != nil {
				yield(nil, err)
				return
			}
			if rec.Version() <= base {
				continue
			}
			if !yield(event.NewRecord(rec.Version()-base, id, rec.EventName(), rec.Data()), nil) {
				return
			}
		}
	}
}

func (m *MemoryLog) AppendEvents(ctx context.Context, id event.LogID, expected version.Check, events event.RawEvents) (version.Version, error) {
	exp, ok := expected.(version.CheckExact)
	if !ok {
		return version.Zero, fmt.Errorf("append events: %w", eventlog.ErrUnsupportedCheck)
	}
	// Held for writing so a concurrent DeleteLog cannot move the base
	// between the check and the append.
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.base[id]
	v, err := m.mem.AppendEvents(ctx, id, version.CheckExact(version.Version(exp)+base), events)
	if err != nil {
		var conflict *version.ConflictError
		if errors.As(err, &conflict) {
			return version.Zero, fmt.Errorf("append events: %w", version.NewConflictError(conflict.Expected-base, conflict.Actual-base))
		}
		return version.Zero, err
	}
	return v - base, nil
}

func (m *MemoryLog) ReadAllEvents(ctx context.Context, selector version.Selector) event.GlobalRecords {
	m.mu.RLock()
	bases := make(map[event.LogID]version.Version, len(m.base))
	for id, b := range m.base {
		bases[id] = b
	}
	m.mu.RUnlock()
	return func(yield func(*event.GlobalRecord, error) bool) {
		for rec, err := range m.mem.ReadAllEvents(ctx, selector) {
			if err != nil {
				yield(nil, err)
				return
			}
			base := bases[rec.LogID()]
			if rec.Version() <= base {
				continue
			}
			out := event.NewGlobalRecord(rec.GlobalVersion(), rec.Version()-base, rec.LogID(), rec.EventName(), rec.Data())
			if !yield(out, nil) {
				return
			}
		}
	}
}

func (m *MemoryLog) DeleteLog(ctx context.Context, id event.LogID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last version.Version
	for rec, err := range m.mem.ReadEvents(ctx, id, version.Selector{From: m.base[id] + 1}) {
		if err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		last = rec.Version()
	}
	if last > m.base[id] {
		m.base[id] = last
	}
	return nil
}

// SQLLog adds deletion to chronicle's sqlite and postgres logs. Both keep
// one row per event keyed by log_id, and their version trigger restarts a
// log at one once its rows are gone.
type SQLLog struct {
	event.GlobalLog
	db     *sql.DB
	delete string
}

var _ Deleter = (*SQLLog)(nil)

// NewSQLLog wraps log, which must store its rows in table on db. placeholder
// is the dialect's first bind parameter, "?" for sqlite and "$1" for
// postgres.
func NewSQLLog(log event.GlobalLog, db *sql.DB, table, placeholder string) *SQLLog {
	return &SQLLog{
		GlobalLog: log,
		db:        db,
		delete:    fmt.Sprintf("DELETE FROM %s WHERE log_id = %s", table, placeholder),
	}
}

func (l *SQLLog) DeleteLog(ctx context.Context, id event.LogID) error {
	if _, err := l.db.ExecContext(ctx, l.delete, string(id)); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// PebbleLog adds deletion to chronicle's pebble log. It knows the log's key
// layout: e/<id>/<version> for events, v/<id> for the head version and
// ge/<global> for the global index.
type PebbleLog struct {
	*eventlog.Pebble
	db *pebble.DB
	// Appends take chronicle's private lock, not this one. Only logs that
	// no longer receive appends are deleted.
	mu sync.Mutex
}

var _ Deleter = (*PebbleLog)(nil)

func NewPebbleLog(db *pebble.DB) *PebbleLog {
	return &PebbleLog{Pebble: eventlog.NewPebble(db), db: db}
}

func (l *PebbleLog) DeleteLog(ctx context.Context, id event.LogID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.db.NewBatch()
	defer batch.Close()

	// Ids may share a prefix ("a" and "a/b"), so only keys with exactly an
	// 8 byte version after the prefix belong to id.
	prefix := []byte("e/" + string(id) + "/")
	err := l.scan(ctx, prefix, func(key, _ []byte) error {
		if len(key) != len(prefix)+8 {
			return nil
		}
		return batch.Delete(append([]byte(nil), key...), nil)
	})
	if err != nil {
		return fmt.Errorf("delete %s events: %w", id, err)
	}
	if err := batch.Delete([]byte("v/"+string(id)), nil); err != nil {
		return fmt.Errorf("delete %s version: %w", id, err)
	}
	err = l.scan(ctx, []byte("ge/"), func(key, value []byte) error {
		var entry struct {
			LogID event.LogID `json:"logID"`
		}
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decode global entry %x: %w", key, err)
		}
		if entry.LogID != id {
			return nil
		}
		return batch.Delete(append([]byte(nil), key...), nil)
	})
	if err != nil {
		return fmt.Errorf("delete %s global entries: %w", id, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (l *PebbleLog) scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := l.db.NewIterWithContext(ctx, &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
