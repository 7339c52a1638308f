// Package backend opens the storage and transport shared by clients and
// workers. Memory, SQLite and Pebble backends live in one process; a NATS
// backend can be shared by many.
package backend

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/ngnhng/durableflow/internal/backend"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
)

type (
	Backend = backend.Backend
	Options = backend.Options
	// OpenConfig names the history and queue kinds for Open.
	OpenConfig = backend.OpenConfig
)

// ErrNoQueryWorker is returned by queries no worker serves.
var ErrNoQueryWorker = backend.ErrNoQueryWorker

// NewMemory keeps everything in process. It is meant for tests and local
// development.
func NewMemory(opts Options) *Backend {
	return backend.NewMemory(opts)
}

// NewSQLite keeps history in the SQLite database at dsn.
func NewSQLite(ctx context.Context, dsn string, opts Options) (*Backend, error) {
	return backend.NewSQLite(ctx, dsn, opts)
}

// NewPebble keeps history in a Pebble directory.
func NewPebble(ctx context.Context, dir string, opts Options) (*Backend, error) {
	return backend.NewPebble(ctx, dir, opts)
}

// NewPostgres keeps history in the Postgres database at dsn and tasks in
// process.
func NewPostgres(ctx context.Context, dsn string, opts Options) (*Backend, error) {
	return backend.Open(ctx, OpenConfig{History: backend.HistoryPostgres, PostgresDSN: dsn}, opts)
}

// Open builds a backend from any supported combination of history and queue.
func Open(ctx context.Context, oc OpenConfig, opts Options) (*Backend, error) {
	return backend.Open(ctx, oc, opts)
}

// NewNATS keeps history, tasks and queries on a NATS server with JetStream
// enabled. The connection stays owned by the caller.
func NewNATS(ctx context.Context, nc *nats.Conn, opts Options) (*Backend, error) {
	conn, err := jetstreamx.Wrap(nc)
	if err != nil {
		return nil, err
	}
	return backend.NewNATS(ctx, conn, opts)
}
