package history_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DeluxeOwl/chronicle/event"
	"github.com/DeluxeOwl/chronicle/eventlog"
	"github.com/DeluxeOwl/chronicle/version"
	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/history"
)

func backends(t *testing.T) map[string]event.Log {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqlite, err := eventlog.NewSqlite(db, eventlog.SqliteTableName("history_test"))
	require.NoError(t, err)
	pdb, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { pdb.Close() })

	return map[string]event.Log{
		"memory": history.NewMemoryLog(),
		"sqlite": history.NewSQLLog(sqlite, db, "history_test", "?"),
		"pebble": history.NewPebbleLog(pdb),
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestAppendAndRead(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	for name, log := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := history.NewStore(log, &serde.MsgpackSerde{}, history.Options{Clock: fixedClock(at)})
			logID := api.RunLogID("pipeline-1", "r1")

			v, err := store.Append(ctx, logID, version.Zero,
				&api.ProcessStarted{InstanceID: "pipeline-1", RunID: "r1", Type: "Pipeline", Input: []any{"AAPL"}},
				&api.ActivityScheduled{Seq: 1, Name: "Fetch", IdempotencyKey: "k1"},
			)
			require.NoError(t, err)
			assert.Equal(t, version.Version(2), v)

			evs, v, err := store.Read(ctx, logID)
			require.NoError(t, err)
			assert.Equal(t, version.Version(2), v)
			require.Len(t, evs, 2)
			assert.Equal(t, uint64(1), evs[0].Seq)
			assert.Equal(t, "process/started", evs[0].Kind())
			assert.True(t, at.Equal(evs[0].Timestamp))

			started := evs.Started()
			require.NotNil(t, started)
			assert.Equal(t, "Pipeline", started.Type)
			assert.Equal(t, api.StatusRunning, evs.Status())

			sched, ok := history.Find[*api.ActivityScheduled](evs, nil)
			require.True(t, ok)
			assert.Equal(t, "k1", sched.IdempotencyKey)
		})
	}
}

func TestAppendConflict(t *testing.T) {
	for name, log := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var conflicts atomic.Int32
			store := history.NewStore(log, nil, history.Options{OnConflict: func(string) { conflicts.Add(1) }})
			logID := api.RunLogID("c", "r")

			_, err := store.Append(ctx, logID, 0, &api.ProcessStarted{InstanceID: "c", RunID: "r"})
			require.NoError(t, err)

			_, err = store.Append(ctx, logID, 0, &api.ProcessStarted{InstanceID: "c", RunID: "r"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, history.ErrConflict), "got %v", err)
			assert.Equal(t, int32(1), conflicts.Load())

			evs, _, err := store.Read(ctx, logID)
			require.NoError(t, err)
			assert.Len(t, evs, 1)
		})
	}
}

func TestReadRunNotFound(t *testing.T) {
	store := history.NewStore(history.NewMemoryLog(), nil, history.Options{})
	_, _, err := store.ReadRun(context.Background(), "missing", "run")
	require.ErrorIs(t, err, history.ErrRunNotFound)
}

func TestUpdateRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := history.NewStore(history.NewMemoryLog(), nil, history.Options{ConflictAttempts: 100})
	logID := api.RunLogID("sig", "r")
	_, err := store.Append(ctx, logID, 0, &api.ProcessStarted{InstanceID: "sig", RunID: "r"})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, logID, func(history.Events) ([]api.Event, error) {
				return []api.Event{&api.SignalReceived{Name: "add", Payload: int64(i)}}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	evs, v, err := store.Read(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, version.Version(writers+1), v)
	assert.Len(t, evs, writers+1)
}

func TestUpdateNoop(t *testing.T) {
	ctx := context.Background()
	store := history.NewStore(history.NewMemoryLog(), nil, history.Options{})
	evs, err := store.Update(ctx, "run/x/y", func(history.Events) ([]api.Event, error) { return nil, nil })
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestClosedAndMarker(t *testing.T) {
	evs := history.Events{
		{Seq: 1, Event: &api.ProcessStarted{}},
		{Seq: 2, Event: &api.ProcessTaskCompleted{ProcessedThrough: 1}},
		{Seq: 3, Event: &api.ProcessFailed{Failure: api.Failure{Kind: "Boom"}}},
	}
	st, he, closed := evs.Closed()
	require.True(t, closed)
	assert.Equal(t, api.StatusFailed, st)
	assert.Equal(t, uint64(3), he.Seq)
	assert.Equal(t, uint64(1), evs.ProcessedThrough())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	for name, log := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := history.NewStore(log, nil, history.Options{})
			logID := api.RunLogID("old", "r")
			// Shares the deleted log's key prefix.
			nested := logID + "/x"
			_, err := store.Append(ctx, logID, 0, &api.ProcessStarted{}, &api.ProcessCompleted{Result: "ok"})
			require.NoError(t, err)
			_, err = store.Append(ctx, nested, 0, &api.SignalReceived{Name: "x"})
			require.NoError(t, err)
			kept := api.RunLogID("kept", "r")
			_, err = store.Append(ctx, kept, 0, &api.ProcessStarted{})
			require.NoError(t, err)

			require.NoError(t, store.Delete(ctx, logID))
			require.NoError(t, store.Delete(ctx, logID), "deleting twice is a no-op")

			evs, v, err := store.Read(ctx, logID)
			require.NoError(t, err)
			assert.Empty(t, evs)
			assert.Equal(t, version.Zero, v)
			_, _, err = store.ReadRun(ctx, "old", "r")
			assert.ErrorIs(t, err, history.ErrRunNotFound)

			evs, _, err = store.Read(ctx, nested)
			require.NoError(t, err)
			assert.Len(t, evs, 1)
			evs, _, err = store.Read(ctx, kept)
			require.NoError(t, err)
			assert.Len(t, evs, 1)

			refs, err := store.Runs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []history.RunRef{{InstanceID: "kept", RunID: "r"}}, refs)

			// A deleted log starts over.
			v, err = store.Append(ctx, logID, 0, &api.ProcessStarted{Type: "again"})
			require.NoError(t, err)
			assert.Equal(t, version.Version(1), v)
			evs, _, err = store.Read(ctx, logID)
			require.NoError(t, err)
			require.Len(t, evs, 1)
			assert.Equal(t, uint64(1), evs[0].Seq)
			assert.Equal(t, "again", evs.Started().Type)

			_, err = store.Append(ctx, logID, 0, &api.ProcessStarted{})
			assert.ErrorIs(t, err, history.ErrConflict)
		})
	}
}

func TestDeleteUnsupported(t *testing.T) {
	store := history.NewStore(eventlog.NewMemory(), nil, history.Options{})
	err := store.Delete(context.Background(), api.RunLogID("a", "r"))
	assert.ErrorIs(t, err, history.ErrDeleteUnsupported)
}
