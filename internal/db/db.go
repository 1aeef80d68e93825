// Package db opens the SQLite databases backing the index mirror and the sync journal.
package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftvolume/internal/utils"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=4000;
`

type options struct {
	path            string
	pragmas         string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	schema          []string
}

type SqliteOption func(*options)

// WithPath sets the database file. MemoryPath selects an in-memory database.
func WithPath(path string) SqliteOption {
	return func(o *options) { o.path = path }
}

// WithPragmas replaces the default pragmas.
func WithPragmas(pragmas string) SqliteOption {
	return func(o *options) { o.pragmas = pragmas }
}

func WithMaxOpenConns(n int) SqliteOption {
	return func(o *options) { o.maxOpenConns = n }
}

func WithMaxIdleConns(n int) SqliteOption {
	return func(o *options) { o.maxIdleConns = n }
}

func WithConnMaxLifetime(d time.Duration) SqliteOption {
	return func(o *options) { o.connMaxLifetime = d }
}

// WithSchema runs the statements after connecting. They must be idempotent.
func WithSchema(stmts ...string) SqliteOption {
	return func(o *options) { o.schema = append(o.schema, stmts...) }
}

// NewSqliteDB opens a database with the given options.
// In-memory databases are pinned to a single connection, since every new
// connection to ":memory:" would see an empty database.
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	o := &options{
		path:         MemoryPath,
		pragmas:      defaultPragma,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(o)
	}

	dsn := MemoryPath
	if o.path == MemoryPath {
		o.maxOpenConns = 1
		o.maxIdleConns = 1
	} else {
		if err := utils.EnsureParent(o.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", o.path)
	}

	slog.Debug("db open", "driver", driverID, "path", o.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if o.maxOpenConns > 0 {
		db.SetMaxOpenConns(o.maxOpenConns)
	}
	if o.maxIdleConns > 0 {
		db.SetMaxIdleConns(o.maxIdleConns)
	}
	if o.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.connMaxLifetime)
	}

	if _, err := db.Exec(o.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	for _, stmt := range o.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return db, nil
}
