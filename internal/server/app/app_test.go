package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/instance"
	"github.com/ngnhng/durableflow/internal/server/config"
)

func TestControlLoopTerminatesAfterGrace(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	b := backend.NewMemory(backend.Options{Logger: logger})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Instances.Start(ctx, instance.StartParams{ID: "stuck-1", Type: "Pipeline"})
	require.NoError(t, err)
	require.NoError(t, b.Instances.Cancel(ctx, "stuck-1", "shutdown", 10*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- runControl(ctx, b, api.DefaultTaskQueue, logger) }()

	require.Eventually(t, func() bool {
		d, err := b.Instances.Describe(ctx, "stuck-1")
		return err == nil && d.Status == api.StatusTerminated
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("control loop did not stop")
	}
}

func TestOptionsOverrideConfig(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	require.NoError(t, Options{NATSHost: "nats.internal", HTTPPort: "9000"}.apply(cfg))
	assert.Equal(t, "nats://nats.internal:4222", cfg.Endpoint())
	assert.Equal(t, "9000", cfg.Server.Port)

	assert.Error(t, Options{HTTPPort: "not-a-port"}.apply(cfg))
}

func TestReadinessChecks(t *testing.T) {
	checks := readinessChecks(nil, nil)
	assert.EqualError(t, checks["nats"](), "disconnected")
	assert.EqualError(t, checks["history"](), "not opened")

	b := backend.NewMemory(backend.Options{})
	defer b.Close()
	assert.NoError(t, readinessChecks(nil, b)["history"]())
}

func TestOpenBackendFromConfig(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.History.Backend = backend.HistorySQLite
	cfg.History.SQLiteDSN = t.TempDir() + "/history.db"
	cfg.Queue.Backend = backend.QueueMemory

	b, err := openBackend(context.Background(), cfg, nil, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Instances.Start(context.Background(), instance.StartParams{ID: "p", Type: "Pipeline"})
	require.NoError(t, err)

	cfg.History.Backend = backend.HistoryNATS
	_, err = openBackend(context.Background(), cfg, nil, nil, slog.New(slog.DiscardHandler))
	require.ErrorIs(t, err, backend.ErrNeedsConnection)
}
