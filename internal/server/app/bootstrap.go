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

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/metrics"
	"github.com/ngnhng/durableflow/internal/server/config"
	httphandler "github.com/ngnhng/durableflow/internal/server/handler/http"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
)

// openBackend builds the backend named by the history and queue settings on
// top of conn.
func openBackend(ctx context.Context, cfg *config.Config, conn *jetstreamx.Connection, m *metrics.Metrics, logger *slog.Logger) (*backend.Backend, error) {
	opts := cfg.BackendOptions()
	opts.Logger = logger
	opts.Metrics = m

	b, err := backend.Open(ctx, backend.OpenConfig{
		History:     cfg.History.Backend,
		SQLiteDSN:   cfg.History.SQLiteDSN,
		PebbleDir:   cfg.History.PebbleDir,
		PostgresDSN: cfg.History.PostgresDSN,
		Queue:       cfg.Queue.Backend,
		Conn:        conn,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s history with %s queue: %w", cfg.History.Backend, cfg.Queue.Backend, err)
	}
	if cfg.Queue.Backend == backend.QueueMemory {
		logger.Warn("tasks are kept in process; workers must share this process to receive them")
	}
	return b, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func readinessChecks(conn *jetstreamx.Connection, b *backend.Backend) map[string]httphandler.Check {
	return map[string]httphandler.Check{
		"nats": func() error {
			if conn == nil || !conn.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		},
		"history": func() error {
			if b == nil || b.Store == nil {
				return errors.New("not opened")
			}
			return nil
		},
	}
}
