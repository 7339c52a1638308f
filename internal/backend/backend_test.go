package backend_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/history"
	"github.com/ngnhng/durableflow/internal/instance"
	"github.com/ngnhng/durableflow/internal/taskqueue"
)

func queued(t *testing.T, b *backend.Backend) int {
	t.Helper()
	q, ok := b.Queue.(*taskqueue.Memory)
	require.True(t, ok)
	return q.Len()
}

func TestDurableBackendsRecoverTasks(t *testing.T) {
	ctx := context.Background()
	open := map[string]func(dir string) (*backend.Backend, error){
		"sqlite": func(dir string) (*backend.Backend, error) {
			return backend.NewSQLite(ctx, filepath.Join(dir, "history.db"), backend.Options{})
		},
		"pebble": func(dir string) (*backend.Backend, error) {
			return backend.NewPebble(ctx, filepath.Join(dir, "pebble"), backend.Options{})
		},
	}
	for name, openFn := range open {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			b, err := openFn(dir)
			require.NoError(t, err)
			run, err := b.Instances.Start(ctx, instance.StartParams{ID: "order-1", Type: "Pipeline"})
			require.NoError(t, err)
			require.NoError(t, b.Close())

			b, err = openFn(dir)
			require.NoError(t, err)
			defer b.Close()

			assert.Equal(t, 1, queued(t, b))
			lease, err := b.Queue.Lease(ctx, api.DefaultTaskQueue, api.TaskWorkflow)
			require.NoError(t, err)
			assert.Equal(t, run, lease.Task().RunID)
		})
	}
}

func TestMemoryQueryRouter(t *testing.T) {
	ctx := context.Background()
	r := backend.NewMemoryQueryRouter()

	_, err := r.Query(ctx, api.QueryRequest{Type: "Pipeline"})
	require.ErrorIs(t, err, backend.ErrNoQueryWorker)

	answer := func(v string) backend.QueryHandler {
		return func(context.Context, api.QueryRequest) api.QueryReply { return api.QueryReply{Result: v} }
	}
	stopA, err := r.Serve(ctx, "Pipeline", answer("a"))
	require.NoError(t, err)
	_, err = r.Serve(ctx, "Pipeline", answer("b"))
	require.NoError(t, err)

	var got []any
	for range 4 {
		reply, err := r.Query(ctx, api.QueryRequest{Type: "Pipeline", Name: "progress"})
		require.NoError(t, err)
		got = append(got, reply.Result)
	}
	assert.ElementsMatch(t, []any{"a", "b", "a", "b"}, got)

	stopA()
	for range 2 {
		reply, err := r.Query(ctx, api.QueryRequest{Type: "Pipeline"})
		require.NoError(t, err)
		assert.Equal(t, "b", reply.Result)
	}
}

func TestMemoryBackendWiring(t *testing.T) {
	b := backend.NewMemory(backend.Options{})
	defer b.Close()
	ctx := context.Background()

	_, err := b.Instances.Start(ctx, instance.StartParams{ID: "p", Type: "Pipeline"})
	require.NoError(t, err)
	require.NoError(t, b.Recover(ctx))
	assert.Equal(t, 1, queued(t, b), "recovery re-enqueues by key without duplicating")
}

func TestOpenRejectsUnknownKinds(t *testing.T) {
	ctx := context.Background()

	_, err := backend.Open(ctx, backend.OpenConfig{History: "cassandra"}, backend.Options{})
	require.ErrorContains(t, err, "unknown history backend")

	_, err = backend.Open(ctx, backend.OpenConfig{Queue: "kafka"}, backend.Options{})
	require.ErrorContains(t, err, "unknown queue backend")

	_, err = backend.Open(ctx, backend.OpenConfig{History: backend.HistoryNATS}, backend.Options{})
	require.ErrorIs(t, err, backend.ErrNeedsConnection)

	_, err = backend.Open(ctx, backend.OpenConfig{Queue: backend.QueueNATS}, backend.Options{})
	require.ErrorIs(t, err, backend.ErrNeedsConnection)
}

func TestOpenMemoryDefaults(t *testing.T) {
	b, err := backend.Open(context.Background(), backend.OpenConfig{}, backend.Options{})
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.Queries.(*backend.MemoryQueryRouter)
	assert.True(t, ok, "queries stay in process without a connection")
	assert.Equal(t, 0, queued(t, b))
}

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("DURABLEFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DURABLEFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	b, err := backend.Open(ctx, backend.OpenConfig{History: backend.HistoryPostgres, PostgresDSN: dsn}, backend.Options{})
	require.NoError(t, err)
	defer b.Close()

	id := api.InstanceID(fmt.Sprintf("pg-%d", time.Now().UnixNano()))
	run, err := b.Instances.Start(ctx, instance.StartParams{ID: id, Type: "Pipeline"})
	require.NoError(t, err)
	evs, _, err := b.Store.ReadRun(ctx, id, run)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	require.NoError(t, b.Instances.Terminate(ctx, id, "done"))
	require.NoError(t, b.Instances.HandleControl(ctx, api.Task{Kind: api.TaskRetention, InstanceID: id, RunID: run}))
	_, _, err = b.Store.ReadRun(ctx, id, run)
	require.ErrorIs(t, err, history.ErrRunNotFound)
}

func TestDurableBackendsPurgeRuns(t *testing.T) {
	ctx := context.Background()
	open := map[string]func(dir string) (*backend.Backend, error){
		"sqlite": func(dir string) (*backend.Backend, error) {
			return backend.NewSQLite(ctx, filepath.Join(dir, "history.db"), backend.Options{})
		},
		"pebble": func(dir string) (*backend.Backend, error) {
			return backend.NewPebble(ctx, filepath.Join(dir, "pebble"), backend.Options{})
		},
		"memory": func(string) (*backend.Backend, error) {
			return backend.NewMemory(backend.Options{}), nil
		},
	}
	for name, openFn := range open {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			b, err := openFn(dir)
			require.NoError(t, err)
			run, err := b.Instances.Start(ctx, instance.StartParams{ID: "old", Type: "Pipeline"})
			require.NoError(t, err)
			_, err = b.Instances.Start(ctx, instance.StartParams{ID: "live", Type: "Pipeline"})
			require.NoError(t, err)
			require.NoError(t, b.Instances.Terminate(ctx, "old", "done"))
			require.NoError(t, b.Instances.HandleControl(ctx, api.Task{Kind: api.TaskRetention, InstanceID: "old", RunID: run}))

			gone := func(b *backend.Backend) {
				_, _, err := b.Store.ReadRun(ctx, "old", run)
				require.ErrorIs(t, err, history.ErrRunNotFound)
				refs, err := b.Store.Runs(ctx)
				require.NoError(t, err)
				for _, ref := range refs {
					assert.NotEqual(t, api.InstanceID("old"), ref.InstanceID)
				}
				cur, err := b.Instances.Current(ctx, "old")
				require.NoError(t, err)
				assert.True(t, cur.Purged)
			}
			gone(b)
			require.NoError(t, b.Close())
			if name == "memory" {
				return
			}

			b, err = openFn(dir)
			require.NoError(t, err)
			defer b.Close()
			gone(b)
			next, err := b.Instances.Start(ctx, instance.StartParams{ID: "old", Type: "Pipeline"})
			require.NoError(t, err)
			assert.NotEqual(t, run, next)
		})
	}
}

func TestCloseRunsOnCloseHooks(t *testing.T) {
	b := backend.NewMemory(backend.Options{})
	var order []string
	b.OnClose(func() error {
		order = append(order, "first")
		return nil
	})
	b.OnClose(func() error {
		order = append(order, "second")
		return errors.New("boom")
	})

	assert.EqualError(t, b.Close(), "boom")
	assert.Equal(t, []string{"first", "second"}, order)
}
