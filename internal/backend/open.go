package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DeluxeOwl/chronicle/event"
	"github.com/DeluxeOwl/chronicle/eventlog"
	"github.com/cockroachdb/pebble"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/internal/history"
	jetstreamx "github.com/ngnhng/durableflow/internal/server/infra/jetstream"
	"github.com/ngnhng/durableflow/internal/taskqueue"
)

// History backends.
const (
	HistoryMemory   = "memory"
	HistorySQLite   = "sqlite"
	HistoryPebble   = "pebble"
	HistoryPostgres = "postgres"
	HistoryNATS     = "nats"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueNATS   = "nats"
)

const historyTable = "durableflow_history"

var _ history.Deleter = (*jetstreamx.EventLog)(nil)

var ErrNeedsConnection = errors.New("backend: nats backend needs a connection")

// OpenConfig selects where history and tasks live. Empty kinds mean memory.
type OpenConfig struct {
	History     string
	SQLiteDSN   string
	PebbleDir   string
	PostgresDSN string
	Queue       string
	// Conn is required by the nats kinds. When set, queries are routed over
	// NATS as well.
	Conn *jetstreamx.Connection
}

// Open builds a backend from oc. Backends with an in-process queue re-derive
// their tasks from history before returning.
func Open(ctx context.Context, oc OpenConfig, opts Options) (*Backend, error) {
	if opts.Serde == nil {
		opts.Serde = &serde.MsgpackSerde{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	log, closeLog, err := openLog(oc)
	if err != nil {
		return nil, err
	}
	if closeLog != nil {
		closers = append(closers, closeLog)
	}

	var queue taskqueue.Queue
	switch oc.Queue {
	case "", QueueMemory:
		if oc.History == HistoryNATS || oc.History == HistoryPostgres {
			opts.Logger.Warn("in-process task queue over a shared history; other processes will not see these tasks",
				"history", oc.History)
		}
		queue = taskqueue.NewMemory(taskqueue.MemoryOptions{LeaseTTL: opts.LeaseTTL, Clock: opts.Clock})
	case QueueNATS:
		if oc.Conn == nil {
			closeAll()
			return nil, ErrNeedsConnection
		}
		queue, err = taskqueue.NewJetStream(ctx, oc.Conn, taskqueue.JetStreamOptions{
			LeaseTTL: opts.LeaseTTL,
			Serde:    opts.Serde,
			Logger:   opts.Logger,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
	default:
		closeAll()
		return nil, fmt.Errorf("backend: unknown queue backend %q", oc.Queue)
	}

	var router QueryRouter = NewMemoryQueryRouter()
	if oc.Conn != nil {
		router = NewNATSQueryRouter(oc.Conn, opts.Serde, opts.Logger)
	}

	b := New(log, queue, router, opts)
	b.closers = append(b.closers, closers...)
	if _, inProcess := queue.(*taskqueue.Memory); inProcess {
		if err := b.Recover(ctx); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func openLog(oc OpenConfig) (event.Log, func() error, error) {
	switch oc.History {
	case "", HistoryMemory:
		return history.NewMemoryLog(), nil, nil
	case HistorySQLite:
		db, err := sql.Open("sqlite", oc.SQLiteDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", oc.SQLiteDSN, err)
		}
		db.SetMaxOpenConns(1)
		log, err := eventlog.NewSqlite(db, eventlog.SqliteTableName(historyTable))
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("sqlite event log: %w", err)
		}
		return history.NewSQLLog(log, db, historyTable, "?"), db.Close, nil
	case HistoryPebble:
		db, err := pebble.Open(oc.PebbleDir, &pebble.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble %s: %w", oc.PebbleDir, err)
		}
		return history.NewPebbleLog(db), db.Close, nil
	case HistoryPostgres:
		db, err := sql.Open("pgx", oc.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		// Envelopes are binary, so the data column must be BYTEA. The option
		// has to precede the table name, which builds the queries.
		log, err := eventlog.NewPostgres(db, eventlog.PostgresUseBYTEA(), eventlog.PostgresTableName(historyTable))
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("postgres event log: %w", err)
		}
		return history.NewSQLLog(log, db, historyTable, "$1"), db.Close, nil
	case HistoryNATS:
		if oc.Conn == nil {
			return nil, nil, ErrNeedsConnection
		}
		log, err := jetstreamx.NewEventLog(oc.Conn, jetstreamx.EventLogOptions{
			StreamPrefix:  api.HistoryStreamPrefix,
			SubjectPrefix: api.HistorySubjectPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return log, nil, nil
	default:
		return nil, nil, fmt.Errorf("backend: unknown history backend %q", oc.History)
	}
}
