// Package sqlstore is the database/sql DataStore driver. SQLite is served by
// github.com/mattn/go-sqlite3 and PostgreSQL by github.com/lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/querysql"
)

// Store is a DataStore over database/sql.
type Store struct {
	db       *sql.DB
	dialect  querysql.Dialect
	pgSchema string
	logger   *slog.Logger

	mu      sync.RWMutex
	schemas map[string]datastore.Schema
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPostgresSchema sets the schema searched by Schema lookups. Default "public".
func WithPostgresSchema(name string) Option {
	return func(s *Store) { s.pgSchema = name }
}

var _ datastore.DataStore = (*Store)(nil)

// Open connects to a store. driver is "sqlite3" (alias "sqlite") or
// "postgres" (alias "postgresql").
//
// SQLite connections are configured like the job store: WAL journal,
// NORMAL synchronous mode, a 5 second busy timeout and a single open
// connection.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	s := &Store{pgSchema: "public", logger: slog.Default(), schemas: map[string]datastore.Schema{}}
	for _, opt := range opts {
		opt(s)
	}

	var sqlDriver string
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		sqlDriver, s.dialect = "sqlite3", querysql.SQLite
	case "postgres", "postgresql":
		sqlDriver, s.dialect = "postgres", querysql.Postgres
	default:
		return nil, failure.Newf(failure.KindConfig, "sqlstore.open", "unknown driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, failure.Wrap(failure.KindConnection, "sqlstore.open", err)
	}
	if s.dialect == querysql.SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
			}
		}
	}
	s.db = db
	return s, nil
}

// Dialect returns the placeholder dialect.
func (s *Store) Dialect() querysql.Dialect { return s.dialect }

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close implements datastore.DataStore.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// runner is satisfied by *sql.DB and *sql.Tx.
type runner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Query implements datastore.Querier.
func (s *Store) Query(ctx context.Context, stmt queryir.Statement, params datastore.Params) (datastore.Rows, error) {
	return s.query(ctx, s.db, stmt, params)
}

// Execute implements datastore.Querier.
func (s *Store) Execute(ctx context.Context, stmt queryir.Statement, params datastore.Params) (int64, error) {
	return s.execute(ctx, s.db, stmt, params)
}

// Begin implements datastore.DataStore.
func (s *Store) Begin(ctx context.Context) (datastore.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, failure.Wrap(failure.KindOf(err), "sqlstore.begin", err)
	}
	return &sqlTx{store: s, tx: tx}, nil
}

func (s *Store) prepare(stmt queryir.Statement, params datastore.Params) (string, []any, error) {
	text, err := querysql.Compile(stmt)
	if err != nil {
		return "", nil, failure.Wrap(failure.KindConfig, "sqlstore.compile", err)
	}
	bound, names, err := querysql.Bind(text, s.dialect)
	if err != nil {
		return "", nil, failure.Wrap(failure.KindConfig, "sqlstore.bind", err)
	}
	args := make([]any, len(names))
	for i, name := range names {
		v, ok := params[name]
		if !ok {
			return "", nil, failure.Newf(failure.KindConfig, "sqlstore.bind", "missing parameter %s", name)
		}
		arg, err := toDriver(v)
		if err != nil {
			return "", nil, failure.Wrap(failure.KindConversion, "sqlstore.bind", fmt.Errorf("parameter %s: %w", name, err))
		}
		args[i] = arg
	}
	return bound, args, nil
}

func (s *Store) query(ctx context.Context, r runner, stmt queryir.Statement, params datastore.Params) (datastore.Rows, error) {
	text, args, err := s.prepare(stmt, params)
	if err != nil {
		return nil, err
	}
	// Schema first: SQLite runs on a single connection held by open rows.
	var types map[string]datastore.TypeTag
	if table := queryir.TableOf(stmt); table != "" {
		if schema, err := s.schema(ctx, r, table); err == nil {
			types = schema.Types()
		}
	}
	rows, err := r.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, classify("sqlstore.query", err)
	}
	defer rows.Close()

	out, err := scanRows(rows, types)
	if err != nil {
		return nil, classify("sqlstore.scan", err)
	}
	return out, nil
}

func (s *Store) execute(ctx context.Context, r runner, stmt queryir.Statement, params datastore.Params) (int64, error) {
	text, args, err := s.prepare(stmt, params)
	if err != nil {
		return 0, err
	}
	res, err := r.ExecContext(ctx, text, args...)
	if err != nil {
		return 0, classify("sqlstore.execute", err)
	}
	if _, ok := stmt.(queryir.Raw); ok {
		s.mu.Lock()
		s.schemas = map[string]datastore.Schema{}
		s.mu.Unlock()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// classify wraps a driver error with its keyword classification.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return failure.Wrap(failure.KindCancelled, op, err)
	}
	return failure.Wrap(failure.KindOf(err), op, err)
}

type sqlTx struct {
	store *Store
	tx    *sql.Tx
}

func (t *sqlTx) Query(ctx context.Context, stmt queryir.Statement, params datastore.Params) (datastore.Rows, error) {
	return t.store.query(ctx, t.tx, stmt, params)
}

func (t *sqlTx) Execute(ctx context.Context, stmt queryir.Statement, params datastore.Params) (int64, error) {
	return t.store.execute(ctx, t.tx, stmt, params)
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify("sqlstore.commit", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify("sqlstore.rollback", err)
	}
	return nil
}
