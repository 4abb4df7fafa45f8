// Package sqlite implements the event store on SQLite. It provides ACID
// event persistence with no CGo dependencies.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/eventstore/sqlite/migrate"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-based implementation of eventstore.Store.
//
// A process-wide mutex serializes pushes. SQLite allows a single writer
// anyway; taking the lock in-process keeps commit order equal to position
// order, which is what gives projections the no-gap guarantee: a reader can
// never observe position p and later an event with a smaller position.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	now      func() time.Time
	notifier eventstore.Notifier
}

type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	now          func() time.Time
	notifier     eventstore.Notifier
}

func defaultConfig() config {
	return config{
		dsn:          "trustplane.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		now:          time.Now,
	}
}

// Option configures a Store.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *config) { c.dsn = dsn }
}

// WithMemory sets an in-memory database, used mostly in tests.
func WithMemory() Option {
	return func(c *config) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) { c.maxOpenConns = n }
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *config) { c.maxIdleConns = n }
}

// WithWALMode enables write-ahead logging. Recommended for file databases,
// not available for :memory:.
func WithWALMode(enabled bool) Option {
	return func(c *config) { c.walMode = enabled }
}

// WithAutoMigrate runs pending migrations on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) { c.autoMigrate = enabled }
}

// WithNowFunc overrides the commit clock, used in tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithNotifier registers a callback invoked after every successful commit
// with the highest position of the commit.
func WithNotifier(n eventstore.Notifier) Option {
	return func(c *config) { c.notifier = n }
}

// New opens a SQLite event store.
//
//	store, err := sqlite.New(sqlite.WithMemory(), sqlite.WithWALMode(false))
func New(opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// :memory: databases are per-connection; force a single connection so
	// all queries see the same database.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, now: cfg.now, notifier: cfg.notifier}

	if cfg.walMode {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		m := migrate.New(db, "eventstore_schema_migrations")
		if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load migrations: %w", err)
		}
		if err := m.Up(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return s, nil
}

// DB exposes the underlying handle so projections and checkpoints can share
// the database and commit atomically with their own tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the event store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

var _ eventstore.Store = (*Store)(nil)
