// Package config loads client and worker settings from the environment and
// opens the backend they describe.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/backend"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
)

// Default configuration constants tuned for SDK clients.
const (
	DefaultNATSHost = "localhost"
	DefaultNATSPort = "4222"

	DefaultRequestTimeout = 10 * time.Second
	DefaultDrainTimeout   = 30 * time.Second
	DefaultReconnectWait  = 2 * time.Second
	DefaultPingInterval   = 2 * time.Minute

	DefaultMaxReconnects = -1 // reconnect forever
	DefaultMaxPingsOut   = 2
)

// NATSConfig holds NATS-specific configuration knobs for the SDK.
type NATSConfig struct {
	URL           string        `json:"url"             env:"URL"`
	Host          string        `json:"host"            env:"HOST"`
	Port          string        `json:"port"            env:"PORT"`
	MaxReconnects int           `json:"max_reconnects"  env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `json:"reconnect_wait"  env:"RECONNECT_WAIT"`
	DrainTimeout  time.Duration `json:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	PingInterval  time.Duration `json:"ping_interval"   env:"PING_INTERVAL"`
	MaxPingsOut   int           `json:"max_pings_out"   env:"MAX_PINGS_OUT"`
	ClientName    string        `json:"client_name"     env:"CLIENT_NAME"`
}

// TimeoutConfig encapsulates SDK timeout values.
type TimeoutConfig struct {
	RequestTimeout time.Duration `json:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// BackendConfig selects where history and tasks live. It has to agree with
// the server and every other worker sharing the instances.
type BackendConfig struct {
	History     string        `json:"history"      env:"HISTORY_BACKEND"      envDefault:"nats"`
	SQLiteDSN   string        `json:"sqlite_dsn"   env:"HISTORY_SQLITE_DSN"   envDefault:"durableflow.db"`
	PebbleDir   string        `json:"pebble_dir"   env:"HISTORY_PEBBLE_DIR"   envDefault:"durableflow-pebble"`
	PostgresDSN string        `json:"postgres_dsn" env:"HISTORY_POSTGRES_DSN"`
	Queue       string        `json:"queue"        env:"QUEUE_BACKEND"        envDefault:"nats"`
	LeaseTTL    time.Duration `json:"lease_ttl"    env:"QUEUE_LEASE_TTL"`
	Serde       string        `json:"serde"        env:"SERDE"                envDefault:"msgpack"`
}

// Config is the public SDK configuration users can construct or load from env.
type Config struct {
	NATS     NATSConfig    `json:"nats"     envPrefix:"NATS_"`
	Timeouts TimeoutConfig `json:"timeouts" envPrefix:"TIMEOUTS_"`
	Backend  BackendConfig `json:"backend"`
	// TaskQueue is the queue workers poll and clients start on.
	TaskQueue string `json:"task_queue" env:"TASK_QUEUE" envDefault:"default"`
}

// Load loads configuration from environment variables applying defaults.
func Load() (*Config, error) {
	cfg := Config{
		NATS: NATSConfig{
			Host:          DefaultNATSHost,
			Port:          DefaultNATSPort,
			MaxReconnects: DefaultMaxReconnects,
			ReconnectWait: DefaultReconnectWait,
			DrainTimeout:  DefaultDrainTimeout,
			PingInterval:  DefaultPingInterval,
			MaxPingsOut:   DefaultMaxPingsOut,
			ClientName:    "durableflow-sdk",
		},
		Timeouts: TimeoutConfig{
			RequestTimeout: DefaultRequestTimeout,
		},
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = api.DefaultTaskQueue
	}
	return &cfg, nil
}

// NeedsNATS reports whether Open dials the NATS server.
func (c *Config) NeedsNATS() bool {
	return c.Backend.History == backend.HistoryNATS || c.Backend.Queue == backend.QueueNATS
}

// BinarySerde returns the codec named by Backend.Serde.
func (c *Config) BinarySerde() (serde.BinarySerde, error) {
	return serde.ByName(c.Backend.Serde)
}

// Open connects to NATS when a nats kind is selected and opens the backend.
// Closing the backend closes the connection too.
func (c *Config) Open(ctx context.Context, logger *slog.Logger) (*backend.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conv, err := c.BinarySerde()
	if err != nil {
		return nil, err
	}

	oc := backend.OpenConfig{
		History:     c.Backend.History,
		SQLiteDSN:   c.Backend.SQLiteDSN,
		PebbleDir:   c.Backend.PebbleDir,
		PostgresDSN: c.Backend.PostgresDSN,
		Queue:       c.Backend.Queue,
	}
	if c.NeedsNATS() {
		conn, err := jetstreamx.Connect(c, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", c.Endpoint(), err)
		}
		oc.Conn = conn
	}

	b, err := backend.Open(ctx, oc, backend.Options{
		Serde:    conv,
		Logger:   logger,
		LeaseTTL: c.Backend.LeaseTTL,
	})
	if err != nil {
		if oc.Conn != nil {
			oc.Conn.Close()
		}
		return nil, err
	}
	if oc.Conn != nil {
		b.OnClose(func() error {
			oc.Conn.Close()
			return nil
		})
	}
	return b, nil
}

// Interface implementation for internal JetStream connection.
func (c *Config) Endpoint() string                 { return c.NATS.URL }
func (c *Config) NATSMaxReconnects() int           { return c.NATS.MaxReconnects }
func (c *Config) NATSReconnectWait() time.Duration { return c.NATS.ReconnectWait }
func (c *Config) NATSDrainTimeout() time.Duration  { return c.NATS.DrainTimeout }
func (c *Config) NATSPingInterval() time.Duration  { return c.NATS.PingInterval }
func (c *Config) NATSMaxPingsOut() int             { return c.NATS.MaxPingsOut }
func (c *Config) NATSClientName() string           { return c.NATS.ClientName }
