package history

import (
	"time"

	"github.com/ngnhng/durableflow/api"
)

// Events is a decoded log in append order.
type Events []api.HistoryEvent

// Started returns the first event of a run log, or nil when the log does not
// start with one.
func (es Events) Started() *api.ProcessStarted {
	if len(es) == 0 {
		return nil
	}
	started, _ := es[0].Event.(*api.ProcessStarted)
	return started
}

// Closed reports the run's terminal event, if any.
func (es Events) Closed() (api.Status, api.HistoryEvent, bool) {
	for i := len(es) - 1; i >= 0; i-- {
		if st, ok := api.StatusOf(es[i].Event); ok {
			return st, es[i], true
		}
	}
	return api.StatusRunning, api.HistoryEvent{}, false
}

func (es Events) Status() api.Status {
	st, _, _ := es.Closed()
	return st
}

func (es Events) IsClosed() bool {
	_, _, ok := es.Closed()
	return ok
}

// ProcessedThrough is the sequence covered by the last workflow task marker.
func (es Events) ProcessedThrough() uint64 {
	for i := len(es) - 1; i >= 0; i-- {
		if m, ok := es[i].Event.(*api.ProcessTaskCompleted); ok {
			return m.ProcessedThrough
		}
	}
	return 0
}

// Deadline is when the run's chain times out, or zero when it has no
// execution timeout. Continued runs inherit the deadline of the first run.
func (es Events) Deadline() time.Time {
	started := es.Started()
	switch {
	case started == nil:
		return time.Time{}
	case started.DeadlineMs > 0:
		return time.UnixMilli(started.DeadlineMs)
	case started.ExecutionTimeoutMs > 0:
		return es[0].Timestamp.Add(time.Duration(started.ExecutionTimeoutMs) * time.Millisecond)
	}
	return time.Time{}
}

func (es Events) LastTimestamp() time.Time {
	if len(es) == 0 {
		return time.Time{}
	}
	return es[len(es)-1].Timestamp
}

// Find returns the first event for which match is true.
func Find[E api.Event](es Events, match func(E) bool) (E, bool) {
	for _, he := range es {
		if e, ok := he.Event.(E); ok && (match == nil || match(e)) {
			return e, true
		}
	}
	var zero E
	return zero, false
}
