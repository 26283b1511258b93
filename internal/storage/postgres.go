package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// SQLStore implements Store on PostgreSQL or SQLite. Queries are written
// with PostgreSQL placeholders and rebound for SQLite.
type SQLStore struct {
	db      *sql.DB
	tx      *sql.Tx
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: s.db, tx: tx, dialect: s.dialect}, nil
}

// Commit commits the transaction
func (s *SQLStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *SQLStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *SQLStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind rewrites $n placeholders to ? for SQLite. Every query binds its
// placeholders once each, in order.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.getDB().ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.getDB().QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.getDB().QueryRowContext(ctx, s.rebind(query), args...)
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	name TEXT NOT NULL,
	seed BIGINT NOT NULL,
	region TEXT NOT NULL,
	duration BIGINT NOT NULL,
	devices INTEGER NOT NULL,
	gateways INTEGER NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_summaries (
	run_id TEXT PRIMARY KEY REFERENCES runs(id),
	network TEXT NOT NULL,
	devices TEXT NOT NULL,
	gateways TEXT NOT NULL,
	totals TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	sim_time BIGINT NOT NULL,
	type TEXT NOT NULL,
	level TEXT NOT NULL,
	dev_addr TEXT NOT NULL DEFAULT '',
	gateway_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, sim_time);
`

// migrate creates the schema. Both drivers run a multi-statement string
// when it has no arguments.
func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
