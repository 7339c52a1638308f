package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/backend"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.Endpoint())
	assert.Equal(t, "durableflow-sdk", cfg.NATSClientName())
	assert.Equal(t, DefaultMaxReconnects, cfg.NATSMaxReconnects())
	assert.Equal(t, DefaultRequestTimeout, cfg.Timeouts.RequestTimeout)
	assert.Equal(t, "default", cfg.TaskQueue)
	assert.Equal(t, "nats", cfg.Backend.History)
	assert.Equal(t, "nats", cfg.Backend.Queue)
	assert.True(t, cfg.NeedsNATS())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NATS_HOST", "nats.internal")
	t.Setenv("NATS_PING_INTERVAL", "30s")
	t.Setenv("TASK_QUEUE", "orders")
	t.Setenv("HISTORY_BACKEND", "pebble")
	t.Setenv("HISTORY_PEBBLE_DIR", "/var/lib/df")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("QUEUE_LEASE_TTL", "1m")
	t.Setenv("SERDE", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nats://nats.internal:4222", cfg.Endpoint())
	assert.Equal(t, 30*time.Second, cfg.NATSPingInterval())
	assert.Equal(t, "orders", cfg.TaskQueue)
	assert.Equal(t, BackendConfig{
		History:   "pebble",
		SQLiteDSN: "durableflow.db",
		PebbleDir: "/var/lib/df",
		Queue:     "memory",
		LeaseTTL:  time.Minute,
		Serde:     "json",
	}, cfg.Backend)
	assert.False(t, cfg.NeedsNATS())

	conv, err := cfg.BinarySerde()
	require.NoError(t, err)
	assert.IsType(t, &serde.JsonSerde{}, conv)
}

func TestOpenInProcessBackends(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	for name, bc := range map[string]BackendConfig{
		"memory": {History: "memory", Queue: "memory"},
		"sqlite": {History: "sqlite", SQLiteDSN: filepath.Join(t.TempDir(), "h.db"), Queue: "memory"},
		"pebble": {History: "pebble", PebbleDir: filepath.Join(t.TempDir(), "pebble"), Queue: "memory"},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{Backend: bc}
			b, err := cfg.Open(context.Background(), logger)
			require.NoError(t, err)
			assert.IsType(t, &backend.MemoryQueryRouter{}, b.Queries)
			assert.NoError(t, b.Close())
		})
	}
}

func TestOpenRejectsBadSettings(t *testing.T) {
	cfg := &Config{Backend: BackendConfig{History: "memory", Queue: "memory", Serde: "xml"}}
	_, err := cfg.Open(context.Background(), nil)
	require.ErrorContains(t, err, `unknown serde "xml"`)

	cfg.Backend = BackendConfig{History: "cassandra", Queue: "memory"}
	_, err = cfg.Open(context.Background(), nil)
	require.ErrorContains(t, err, `unknown history backend "cassandra"`)
}
