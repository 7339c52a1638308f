package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ngnhng/durableflow/internal/backend"
	"github.com/ngnhng/durableflow/internal/metrics"
	"github.com/ngnhng/durableflow/internal/server/config"
	"github.com/ngnhng/durableflow/internal/server/handler/command"
	httphandler "github.com/ngnhng/durableflow/internal/server/handler/http"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
)

type Manager struct {
	cfg        *config.Config
	conn       *jetstreamx.Connection
	backend    *backend.Backend
	handler    *command.Handler
	httpServer *httphandler.Server
	logger     *slog.Logger
}

func NewManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	conn, err := jetstreamx.Connect(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if !conn.IsConnected() {
		conn.Close()
		return nil, fmt.Errorf("cannot connect to NATS instance")
	}

	reg := newRegistry()
	b, err := openBackend(ctx, cfg, conn, metrics.New(reg), logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newManager(cfg, conn, b, reg, logger), nil
}

func newManager(cfg *config.Config, conn *jetstreamx.Connection, b *backend.Backend, gatherer prometheus.Gatherer, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		conn:    conn,
		backend: b,
		handler: command.NewHandler(b.Instances, b.Store.Serde(), cfg.Timeouts.RequestTimeout, logger),
		httpServer: httphandler.NewServer(httphandler.Options{
			Addr:     cfg.HTTPAddr(),
			Checks:   readinessChecks(conn, b),
			Gatherer: gatherer,
			Logger:   logger,
		}),
		logger: logger,
	}
}

func (m *Manager) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("starting command processor")
		return command.RunProcessor(gCtx, m.conn, m.handler)
	})

	components := 2
	for _, queue := range m.cfg.Server.ControlQueues {
		for range m.cfg.Server.ControlPollers {
			components++
			g.Go(func() error {
				return runControl(gCtx, m.backend, queue, m.logger.With("task_queue", queue))
			})
		}
	}

	m.logger.Info("manager is running", "components", components,
		"history", m.cfg.History.Backend, "queue", m.cfg.Queue.Backend)

	err := g.Wait()

	m.logger.Info("initiating graceful shutdown")
	m.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("manager stopped with error", "error", err)
		return err
	}

	m.logger.Info("manager shutdown complete")
	return nil
}

// Shutdown closes the backend, then drains the NATS connection.
func (m *Manager) Shutdown() {
	if m.backend != nil {
		if err := m.backend.Close(); err != nil {
			m.logger.Warn("close backend", "error", err)
		}
	}
	if m.conn != nil {
		m.conn.Close()
		m.logger.Info("NATS connection closed")
	}
}
