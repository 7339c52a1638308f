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

// Package jetstreamx wraps the NATS connection shared by the JetStream task
// queue, the JetStream history log, the query router and the command handler.
package jetstreamx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultClientName = "durableflow"

type Connection struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Config is what Connect needs to dial NATS.
type Config interface {
	Endpoint() string
	NATSMaxReconnects() int
	NATSReconnectWait() time.Duration
	NATSDrainTimeout() time.Duration
	NATSPingInterval() time.Duration
	NATSMaxPingsOut() int
	NATSClientName() string // empty means "durableflow"
}

func Connect(cfg Config, logger *slog.Logger) (*Connection, error) {
	if cfg == nil {
		return nil, errors.New("jetstreamx: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.NATSClientName()
	if name == "" {
		name = defaultClientName
	}
	logger = logger.With("nats_client", name)

	nc, err := nats.Connect(cfg.Endpoint(),
		nats.Name(name),
		nats.MaxReconnects(cfg.NATSMaxReconnects()),
		nats.ReconnectWait(cfg.NATSReconnectWait()),
		nats.DrainTimeout(cfg.NATSDrainTimeout()),
		nats.PingInterval(cfg.NATSPingInterval()),
		nats.MaxPingsOutstanding(cfg.NATSMaxPingsOut()),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) { logger.Debug("nats connection closed") }),
	)
	if err != nil {
		return nil, fmt.Errorf("jetstreamx: dial %s: %w", cfg.Endpoint(), err)
	}
	return Wrap(nc)
}

// Wrap takes ownership of nc and attaches a JetStream context to it.
func Wrap(nc *nats.Conn) (*Connection, error) {
	if nc == nil {
		return nil, errors.New("jetstreamx: nil connection")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstreamx: jetstream context: %w", err)
	}
	return &Connection{nc: nc, js: js}, nil
}

func (c *Connection) JS() jetstream.JetStream { return c.js }

func (c *Connection) IsConnected() bool { return c.nc != nil && c.nc.IsConnected() }

func (c *Connection) Close() {
	if c.nc != nil && !c.nc.IsClosed() {
		c.nc.Close()
	}
}

// EnsureKV creates the lease bucket or brings an existing one to cfg.
func (c *Connection) EnsureKV(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("jetstreamx: kv %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// EnsureStream creates the stream or updates it to cfg. The retention policy
// of an existing stream cannot change, so it is kept.
func (c *Connection) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, cfg.Name)
	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound):
		stream, err = c.js.CreateStream(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("jetstreamx: create stream %s: %w", cfg.Name, err)
		}
		return stream, nil
	case err != nil:
		return nil, fmt.Errorf("jetstreamx: stream %s: %w", cfg.Name, err)
	}

	cfg.Retention = stream.CachedInfo().Config.Retention
	stream, err = c.js.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("jetstreamx: update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// EnsureConsumer creates or updates a durable pull consumer on stream.
func (c *Connection) EnsureConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("jetstreamx: consumer %s on %s: %w", cfg.Durable, stream, err)
	}
	return cons, nil
}

func (c *Connection) QueueSubscribe(subj, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.nc.QueueSubscribe(subj, queue, handler)
	if err != nil {
		return nil, fmt.Errorf("jetstreamx: subscribe %s (%s): %w", subj, queue, err)
	}
	return sub, nil
}

// Request sends data on subj and waits for the reply.
func (c *Connection) Request(ctx context.Context, subj string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subj, data)
	if err != nil {
		return nil, fmt.Errorf("jetstreamx: request %s: %w", subj, err)
	}
	return msg.Data, nil
}
