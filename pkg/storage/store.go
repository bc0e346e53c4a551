package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/opennsot/blueprint/pkg/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the SQLite database holding both the schema-driven entity
// tables and the engine's bookkeeping tables.
type Store struct {
	db       *sql.DB
	path     string
	registry *schema.Registry
	cfg      Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates a store instance. Call Init to open the database and Migrate
// to bring the tables up to date.
func New(cfg Config, registry *schema.Registry) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &Store{
		path:     cfg.Path,
		registry: registry,
		cfg:      cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)
	maxOpen := s.cfg.MaxOpenConns
	if s.path == ":memory:" {
		// An in-memory database exists per connection; a pool of one
		// keeps every transaction on the same database.
		dsn = "file::memory:?_pragma=foreign_keys(1)"
		maxOpen = 1
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded bookkeeping migrations, then creates the entity
// tables generated from the schema registry.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	for _, stmt := range entityDDL(s.registry) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create entity table: %w", err)
		}
	}

	log.Debug().
		Str("component", "storage").
		Str("path", s.path).
		Int("types", len(s.registry.Types())).
		Msg("database migrated")
	return nil
}

// Registry returns the schema registry the store was built with.
func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Begin starts a transaction scoped to one design application.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, registry: s.registry}, nil
}
