// ============================================================================
// flowqueue durable store
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: relational coordination substrate for the whole system.
//
// Tables:
//   tasks_queue           id generator for tasks
//   tasks_details         one row per admitted task
//   task_locks            exclusive claim on a task (unique task_id)
//   workers               heartbeat / capability rows
//   background_job_locks  lease per periodic job name
//
// Every cross-process guarantee (task exclusivity, job leases, worker state)
// is enforced here through unique indexes and conditional UPDATEs; there is no
// other shared memory between processes.
//
// Drivers:
//   sqlite   (default) single connection, WAL journal, busy timeout
//   postgres through the pgx based gorm driver
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var log = slog.Default()

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database.
type Config struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	LogQueries   bool   `yaml:"log_queries"`
}

// Store owns the database handle.
type Store struct {
	db     *gorm.DB
	driver string
	clock  func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the wall clock, used by lease tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Open connects, applies pragmas and migrates the schema.
func Open(cfg Config, opts ...Option) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("store: postgres requires a dsn")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if cfg.LogQueries {
		gormLogger = logger.New(slogWriter{}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Info,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	switch {
	case driver == DriverSQLite:
		// SQLite allows one writer; a single connection serializes
		// transactions instead of surfacing SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Store{db: db, driver: driver, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info("Store opened", "driver", driver)
	return s, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "flowqueue.db"
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Migrate creates or updates all tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// DB returns a session bound to ctx.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transaction runs fn in a transaction; any error rolls it back.
//
// With the sqlite driver there is a single connection: fn must only use tx.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Now returns the store clock in UTC. All persisted timestamps use it.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

// Driver returns the active driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type slogWriter struct{}

func (slogWriter) Printf(format string, args ...interface{}) {
	log.Debug(fmt.Sprintf(format, args...), "component", "gorm")
}
