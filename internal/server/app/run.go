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
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/ngnhng/durableflow/internal/server/config"
	"github.com/ngnhng/durableflow/internal/server/logger"
)

// Options override the environment.
type Options struct {
	NATSHost string
	NATSPort string
	HTTPPort string
}

func (o Options) apply(cfg *config.Config) error {
	if o.NATSHost == "" && o.NATSPort == "" && o.HTTPPort == "" {
		return nil
	}
	if o.NATSHost != "" {
		cfg.NATS.Host = o.NATSHost
	}
	if o.NATSPort != "" {
		cfg.NATS.Port = o.NATSPort
	}
	if o.NATSHost != "" || o.NATSPort != "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}
	if o.HTTPPort != "" {
		cfg.Server.Port = o.HTTPPort
	}
	return cfg.Validate()
}

// Run serves until SIGINT, SIGTERM or ctx is done.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return err
	}

	log, err := logger.NewLogger(ctx, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log.Slogger)
	defer func() {
		if log.LoggerProvider != nil {
			if err := log.LoggerProvider.Shutdown(context.WithoutCancel(ctx)); err != nil {
				slog.Error("failed to shut down logger provider", "error", err)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := NewManager(ctx, cfg, log.Slogger)
	if err != nil {
		return err
	}
	return mgr.Run(ctx)
}
