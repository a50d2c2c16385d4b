// Package store is the local embedded database (C1). It owns the single
// SQLite connection every other component reads and writes through, and
// knows nothing about sync semantics -- it only persists entity envelopes
// and the outbox/conflict-history tables that ride alongside them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prabhask5/goal-planner/internal/entity"
	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("store")

// Row is the entity envelope shared by every syncable table, per the data
// model: envelope fields plus an opaque JSON payload for entity-specific
// fields the engine never interprets.
type Row struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
	Version   int64
	DeviceID  string
	Data      map[string]any
}

// Store wraps the single pinned SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Queryer is satisfied by both *sql.DB and *sql.Tx for read paths.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Execer is satisfied by both *sql.DB and *sql.Tx for write paths.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens (creating if necessary) the SQLite file at path, pins it to a
// single connection, and enables WAL mode -- the same single-writer
// discipline a local-first embedded store needs regardless of host
// language.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, path: path}
	if err := s.init(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: init: %w", err)
	}
	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Msg("wal checkpoint on close failed")
	}
	return s.conn.Close()
}

// DB exposes the underlying *sql.DB for components (migrations, schema
// introspection) that need it directly.
func (s *Store) DB() *sql.DB { return s.conn }

// Tx runs fn inside a single transaction, committing on success and
// rolling back on error or panic.
func (s *Store) Tx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *Store) init(ctx context.Context) error {
	if err := runMigrations(ctx, s.conn); err != nil {
		return err
	}
	for _, k := range entity.All() {
		if err := ensureEntityTable(ctx, s.conn, string(k)); err != nil {
			return err
		}
	}
	return ensureSupportTables(ctx, s.conn)
}
