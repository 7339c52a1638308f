package instance

import (
	"context"
	"fmt"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/history"
)

// chain is the decoded instance log.
type chain struct {
	runs   []*api.RunOpened
	purged map[api.RunID]bool
}

func chainOf(evs history.Events) chain {
	c := chain{purged: map[api.RunID]bool{}}
	for _, he := range evs {
		switch e := he.Event.(type) {
		case *api.RunOpened:
			c.runs = append(c.runs, e)
		case *api.RunPurged:
			c.purged[e.RunID] = true
		}
	}
	return c
}

func (c chain) last() *api.RunOpened {
	if len(c.runs) == 0 {
		return nil
	}
	return c.runs[len(c.runs)-1]
}

func (c chain) has(run api.RunID) bool {
	for _, r := range c.runs {
		if r.RunID == run {
			return true
		}
	}
	return false
}

// ContinueRun opens the successor of a run that closed with ContinuedAsNew.
// The successor id was fixed when the closing event was written, so this is
// safe to repeat.
func (s *Service) ContinueRun(ctx context.Context, id api.InstanceID, run api.RunID) error {
	evs, _, err := s.store.ReadRun(ctx, id, run)
	if err != nil {
		return err
	}
	st, closed, ok := evs.Closed()
	if !ok || st != api.StatusContinuedAsNew {
		return fmt.Errorf("continue %s/%s: run is %s", id, run, st)
	}
	can := closed.Event.(*api.ContinuedAsNew)
	prev := evs.Started()

	opened := &api.RunOpened{
		RunID: can.NewRunID,
		Started: api.ProcessStarted{
			InstanceID:         id,
			RunID:              can.NewRunID,
			Type:               can.Type,
			Input:              can.Input,
			TaskQueue:          can.TaskQueue,
			ExecutionTimeoutMs: can.ExecutionTimeoutMs,
			ContinuedFrom:      run,
		},
	}
	if prev != nil {
		opened.Started.Parent = prev.Parent
		opened.Started.CascadeCancel = prev.CascadeCancel
	}
	// The execution timeout bounds the chain, so the successor keeps the
	// deadline of the first run.
	if deadline := evs.Deadline(); !deadline.IsZero() {
		opened.Started.DeadlineMs = deadline.UnixMilli()
	} else if can.ExecutionTimeoutMs > 0 {
		opened.Started.DeadlineMs = closed.Timestamp.UnixMilli() + can.ExecutionTimeoutMs
	}

	_, err = s.store.Update(ctx, api.InstanceLogID(id), func(current history.Events) ([]api.Event, error) {
		if chainOf(current).has(can.NewRunID) {
			return nil, nil
		}
		return []api.Event{opened}, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("process continued as new", "instance_id", id, "run_id", run, "new_run_id", can.NewRunID)
	return s.materialize(ctx, opened)
}
