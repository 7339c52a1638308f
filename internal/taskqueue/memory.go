package taskqueue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ngnhng/durableflow/api"
)

var _ Queue = (*Memory)(nil)

type MemoryOptions struct {
	LeaseTTL time.Duration
	Clock    func() time.Time
}

// Memory is an in-process queue. Ready tasks are kept ordered by NotBefore.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	ready   []*memEntry
	leased  map[string]*memEntry // by task key
	holders map[string]string    // lease key -> task key
	keys    map[string]struct{}
	changed chan struct{}
	closed  bool
	gen     uint64
}

type memEntry struct {
	task    api.Task
	due     time.Time
	gen     uint64
	expires time.Time
}

func NewMemory(opts MemoryOptions) *Memory {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Memory{
		ttl:     opts.LeaseTTL,
		now:     opts.Clock,
		leased:  map[string]*memEntry{},
		holders: map[string]string{},
		keys:    map[string]struct{}{},
		changed: make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, tasks ...api.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	added := false
	for _, t := range tasks {
		if _, dup := m.keys[t.Key]; dup {
			continue
		}
		m.keys[t.Key] = struct{}{}
		m.insert(&memEntry{task: t, due: t.NotBefore()})
		added = true
	}
	if added {
		m.broadcast()
	}
	return nil
}

func (m *Memory) Lease(ctx context.Context, queue string, kinds ...api.TaskKind) (Lease, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		now := m.now()
		m.expire(now)
		entry, wake := m.take(now, queue, kinds)
		if entry != nil {
			m.gen++
			entry.gen = m.gen
			entry.expires = now.Add(m.ttl)
			m.leased[entry.task.Key] = entry
			if entry.task.LeaseKey != "" {
				m.holders[entry.task.LeaseKey] = entry.task.Key
			}
			m.mu.Unlock()
			return &memLease{q: m, entry: entry, gen: entry.gen}, nil
		}
		changed := m.changed
		m.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if !wake.IsZero() {
			timer = time.NewTimer(max(wake.Sub(now), time.Millisecond))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Len counts queued and leased tasks.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}

// take removes and returns the first due, unblocked matching task. wake is
// when the earliest matching task becomes due or its lease may expire.
func (m *Memory) take(now time.Time, queue string, kinds []api.TaskKind) (*memEntry, time.Time) {
	var wake time.Time
	for i, e := range m.ready {
		if e.task.TaskQueue != queue || !slices.Contains(kinds, e.task.Kind) {
			continue
		}
		if e.due.After(now) {
			wake = earliest(wake, e.due)
			continue
		}
		if holder, held := m.holders[e.task.LeaseKey]; e.task.LeaseKey != "" && held {
			if le, ok := m.leased[holder]; ok {
				wake = earliest(wake, le.expires)
			}
			continue
		}
		m.ready = slices.Delete(m.ready, i, i+1)
		return e, time.Time{}
	}
	for _, le := range m.leased {
		if le.task.TaskQueue == queue && slices.Contains(kinds, le.task.Kind) {
			wake = earliest(wake, le.expires)
		}
	}
	return nil, wake
}

func (m *Memory) expire(now time.Time) {
	for key, e := range m.leased {
		if now.Before(e.expires) {
			continue
		}
		m.release(key, e)
		m.insert(e)
	}
}

func (m *Memory) release(key string, e *memEntry) {
	delete(m.leased, key)
	if e.task.LeaseKey != "" && m.holders[e.task.LeaseKey] == key {
		delete(m.holders, e.task.LeaseKey)
	}
}

func (m *Memory) insert(e *memEntry) {
	i, _ := slices.BinarySearchFunc(m.ready, e.due, func(x *memEntry, due time.Time) int {
		if x.due.After(due) {
			return 1
		}
		return -1
	})
	m.ready = slices.Insert(m.ready, i, e)
}

func (m *Memory) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// settle runs fn on a lease that is still current.
func (m *Memory) settle(l *memLease, fn func(e *memEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leased[l.entry.task.Key]
	if !ok || e.gen != l.gen {
		return ErrLeaseLost
	}
	fn(e)
	m.broadcast()
	return nil
}

type memLease struct {
	q     *Memory
	entry *memEntry
	gen   uint64
}

func (l *memLease) Task() api.Task { return l.entry.task }

func (l *memLease) Ack(context.Context) error {
	return l.q.settle(l, func(e *memEntry) {
		l.q.release(e.task.Key, e)
		delete(l.q.keys, e.task.Key)
	})
}

func (l *memLease) Nack(_ context.Context, delay time.Duration) error {
	return l.q.settle(l, func(e *memEntry) {
		l.q.release(e.task.Key, e)
		e.due = l.q.now().Add(delay)
		l.q.insert(e)
	})
}

func (l *memLease) Extend(context.Context) error {
	return l.q.settle(l, func(e *memEntry) {
		e.expires = l.q.now().Add(l.q.ttl)
	})
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}
