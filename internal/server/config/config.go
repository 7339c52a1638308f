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

package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/taskqueue"
)

type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

const (
	SerdeMsgpack = "msgpack"
	SerdeJSON    = "json"
)

// Config holds the complete application configuration
type Config struct {
	Service  string        `json:"service_name" env:"APP_NAME"    envDefault:"durableflow"`
	Version  string        `json:"version"      env:"VERSION"     envDefault:"v0.1.0-alpha1"`
	Mode     Mode          `json:"mode"         env:"MODE"        envDefault:"debug"`
	NATS     NATSConfig    `json:"nats"         envPrefix:"NATS_"`
	Server   ServerConfig  `json:"server"       envPrefix:"SERVER_"`
	Timeouts TimeoutConfig `json:"timeouts"     envPrefix:"TIMEOUTS_"`
	Logger   LoggerConfig  `json:"logger"       envPrefix:"LOG_"`
	History  HistoryConfig `json:"history"      envPrefix:"HISTORY_"`
	Queue    QueueConfig   `json:"queue"        envPrefix:"QUEUE_"`
	Runtime  RuntimeConfig `json:"runtime"`
}

type ServerConfig struct {
	Host string `json:"host" env:"HOST" envDefault:"localhost"`
	Port string `json:"port" env:"PORT" envDefault:"8080"`

	// ControlQueues are the task queues whose timer, child, signal and
	// retention tasks the server handles alongside workers.
	ControlQueues  []string `json:"control_queues"  env:"CONTROL_QUEUES"  envDefault:"default" envSeparator:","`
	ControlPollers int      `json:"control_pollers" env:"CONTROL_POLLERS" envDefault:"1"`
}

// TimeoutConfig holds timeout-related configuration
type TimeoutConfig struct {
	RequestTimeout time.Duration `json:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type HistoryConfig struct {
	Backend     string `json:"backend"      env:"BACKEND"      envDefault:"nats"` // memory|sqlite|pebble|postgres|nats
	SQLiteDSN   string `json:"sqlite_dsn"   env:"SQLITE_DSN"   envDefault:"durableflow.db"`
	PebbleDir   string `json:"pebble_dir"   env:"PEBBLE_DIR"   envDefault:"durableflow-pebble"`
	PostgresDSN string `json:"postgres_dsn" env:"POSTGRES_DSN"`
}

type QueueConfig struct {
	Backend  string        `json:"backend"   env:"BACKEND"   envDefault:"nats"` // memory|nats
	LeaseTTL time.Duration `json:"lease_ttl" env:"LEASE_TTL"`
}

type RuntimeConfig struct {
	// RetentionPeriod is how long closed runs are kept; negative keeps them
	// forever.
	RetentionPeriod time.Duration `json:"retention_period" env:"RETENTION_PERIOD"`
	CancelGrace     time.Duration `json:"cancel_grace"     env:"CANCEL_GRACE"`
	Serde           string        `json:"serde"            env:"SERDE"            envDefault:"msgpack"`
}

func LoadConfig() (*Config, error) {
	cfg := Config{
		NATS:     defaultNATS("durableflow"),
		Timeouts: TimeoutConfig{
			RequestTimeout: DefaultRequestTimeout,
		},
		Queue: QueueConfig{
			LeaseTTL: taskqueue.DefaultLeaseTTL,
		},
		Runtime: RuntimeConfig{
			RetentionPeriod: api.DefaultRetentionPeriod,
			CancelGrace:     api.DefaultCancelGrace,
		},
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Service != "", "service name is required")
	check(c.Version != "", "version is required")
	check(c.Mode == "" || c.Mode == ModeDebug || c.Mode == ModeRelease, "invalid mode %q", c.Mode)

	check(c.NATS.Host != "", "NATS host is required")
	check(c.NATS.Port != "", "NATS port is required")
	if c.NATS.Port != "" {
		check(validPort(c.NATS.Port), "invalid NATS port %q", c.NATS.Port)
	}
	check(c.NATS.URL != "", "NATS URL is required")
	check(c.NATS.MaxReconnects >= -1, "NATS max reconnects must be >= -1")
	check(c.NATS.ReconnectWait > 0, "NATS reconnect wait must be positive")
	check(c.NATS.DrainTimeout > 0, "NATS drain timeout must be positive")

	check(c.Server.Host != "", "server host is required")
	check(c.Server.Port != "", "server port is required")
	if c.Server.Port != "" {
		check(validPort(c.Server.Port), "invalid server port %q", c.Server.Port)
	}
	check(c.Server.ControlPollers >= 0, "server control pollers must not be negative")

	switch c.History.Backend {
	case backend.HistoryMemory, backend.HistoryNATS:
	case backend.HistorySQLite:
		check(c.History.SQLiteDSN != "", "HISTORY_SQLITE_DSN is required for the sqlite backend")
	case backend.HistoryPebble:
		check(c.History.PebbleDir != "", "HISTORY_PEBBLE_DIR is required for the pebble backend")
	case backend.HistoryPostgres:
		check(c.History.PostgresDSN != "", "HISTORY_POSTGRES_DSN is required for the postgres backend")
	default:
		check(false, "unknown history backend %q", c.History.Backend)
	}
	switch c.Queue.Backend {
	case backend.QueueMemory, backend.QueueNATS:
	default:
		check(false, "unknown queue backend %q", c.Queue.Backend)
	}
	check(c.Queue.LeaseTTL >= 0, "queue lease TTL must not be negative")
	check(c.Runtime.CancelGrace >= 0, "cancel grace must not be negative")
	switch c.Logger.OTELExporter {
	case "", "none", "otlp-http", "otlp-grpc":
	default:
		check(false, "unknown log exporter %q", c.Logger.OTELExporter)
	}
	check(c.Runtime.Serde == SerdeMsgpack || c.Runtime.Serde == SerdeJSON, "unknown serde %q", c.Runtime.Serde)

	return errors.Join(errs...)
}

func validPort(p string) bool {
	n, err := strconv.Atoi(p)
	return err == nil && n > 0 && n < 65536
}

// BinarySerde returns the serde named by SERDE.
func (c *Config) BinarySerde() serde.BinarySerde {
	if c.Runtime.Serde == SerdeJSON {
		return &serde.JsonSerde{}
	}
	return &serde.MsgpackSerde{}
}

// BackendOptions converts the runtime settings into options for a backend.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		Serde:       c.BinarySerde(),
		LeaseTTL:    c.Queue.LeaseTTL,
		Retention:   c.Runtime.RetentionPeriod,
		CancelGrace: c.Runtime.CancelGrace,
	}
}

func (c *Config) ServiceName() string {
	return c.Service
}

func (c *Config) GetVersion() string {
	return c.Version
}

func (c *Config) HTTPAddr() string {
	return c.Server.Host + ":" + c.Server.Port
}
