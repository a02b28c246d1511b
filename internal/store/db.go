// Package store is the Store & Unit-of-Work component (spec §4.A). It
// persists Conversations, Messages, Embeddings, Jobs, and Settings against
// PostgreSQL, following the teacher repository's chat_repository.go approach
// of database/sql + lib/pq with hand-written SQL for anything the driver
// can't express declaratively (window functions, tsvector ranking, pgvector
// distance operators).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/dovos/conversation-archive/internal/clock"
)

// DB wraps the connection pool and tuning the teacher's
// NewChatRepository applies: bounded pool size, idle timeouts, and
// connection lifetime caps so a long-running worker process doesn't
// exhaust Postgres connection slots.
type DB struct {
	conn   *sql.DB
	clock  clock.Clock
	logger *logrus.Logger
}

// Open connects to Postgres and applies the same pool tuning the teacher
// uses for its cluster-facing repository.
func Open(databaseURL string, clk clock.Clock, logger *logrus.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)
	conn.SetConnMaxIdleTime(15 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &DB{conn: conn, clock: clk, logger: logger}, nil
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// NewWithConn wraps an already-open *sql.DB, skipping the pool tuning and
// Ping in Open. Used by other packages' tests to drive the Store against
// go-sqlmock without a live Postgres instance.
func NewWithConn(conn *sql.DB, clk clock.Clock, logger *logrus.Logger) *DB {
	return &DB{conn: conn, clock: clk, logger: logger}
}

// Clock exposes the injected clock for callers outside the store package
// that need UTC-consistent "now" values, e.g. the Search Service's recency
// boost.
func (d *DB) Clock() clock.Clock {
	return d.clock
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting repositories run
// either standalone or inside a UnitOfWork's transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
