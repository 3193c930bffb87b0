// Package database opens the hlsforge job store connection and applies its
// schema. SQLite, PostgreSQL and MySQL are supported through GORM.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/database/migrations"
)

// sqlitePragmas ride on the DSN so every pooled connection gets them.
var sqlitePragmas = []string{
	"busy_timeout(30000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"cache_size(-16000)",
	"temp_store(MEMORY)",
}

// DB wraps a GORM connection with the queue schema and pool reporting.
type DB struct {
	*gorm.DB
	cfg    config.DatabaseConfig
	logger *slog.Logger
}

// Options contains optional configuration for database connections.
type Options struct {
	// PrepareStmt enables prepared statement caching. Default is true.
	PrepareStmt bool
}

// PoolStats is a snapshot of the connection pool.
type PoolStats struct {
	MaxOpen      int           `json:"max_open_connections"`
	Open         int           `json:"open_connections"`
	InUse        int           `json:"in_use"`
	Idle         int           `json:"idle"`
	WaitCount    int64         `json:"wait_count"`
	WaitDuration time.Duration `json:"wait_duration"`
}

// LogValue implements slog.LogValuer.
func (s PoolStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("max_open_conns", s.MaxOpen),
		slog.Int("open_conns", s.Open),
		slog.Int("in_use", s.InUse),
		slog.Int("idle", s.Idle),
		slog.Int64("wait_count", s.WaitCount),
		slog.Duration("wait_duration", s.WaitDuration),
	)
}

// New opens a connection for cfg. Pass nil opts for defaults
// (PrepareStmt: true).
func New(cfg config.DatabaseConfig, log *slog.Logger, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{PrepareStmt: true}
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "database"))

	dialector, err := getDialector(cfg)
	if err != nil {
		return nil, fmt.Errorf("getting dialector: %w", err)
	}

	gl := newGormLogger(cfg.LogLevel, log)
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gl,
		SkipDefaultTransaction: true,
		PrepareStmt:            opts.PrepareStmt,
		// Unique violations surface as gorm.ErrDuplicatedKey on every dialect.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	maxOpen, maxIdle := poolSize(cfg)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db := &DB{DB: gdb, cfg: cfg, logger: log}
	gl.pool = db.Pool

	attrs := []any{slog.String("driver", cfg.Driver), slog.Int("max_open_conns", maxOpen), slog.Int("max_idle_conns", maxIdle)}
	if cfg.Driver == "sqlite" {
		var journalMode string
		_ = gdb.Raw("PRAGMA journal_mode").Scan(&journalMode)
		attrs = append(attrs, slog.String("journal_mode", journalMode))
	}
	log.Info("database opened", attrs...)

	return db, nil
}

// poolSize applies SQLite's limits on top of the configured pool. WAL allows
// a single writer, and an in-memory database only exists on one connection.
func poolSize(cfg config.DatabaseConfig) (maxOpen, maxIdle int) {
	if cfg.Driver != "sqlite" {
		return cfg.MaxOpenConns, cfg.MaxIdleConns
	}
	if isMemoryDSN(cfg.DSN) {
		return 1, 1
	}
	return 6, 3
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func getDialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		sep := "?"
		if strings.Contains(cfg.DSN, "?") {
			sep = "&"
		}
		return sqlite.Open(cfg.DSN + sep + "_pragma=" + strings.Join(sqlitePragmas, "&_pragma=")), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Migrate applies every pending schema migration.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.SchemaMigrator(ctx).Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// SchemaMigrator returns a migrator loaded with the full registry.
func (db *DB) SchemaMigrator(ctx context.Context) *migrations.Migrator {
	m := migrations.NewMigrator(db.DB.WithContext(ctx), db.logger)
	m.RegisterAll(migrations.AllMigrations())
	return m
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Driver returns the database driver name.
func (db *DB) Driver() string {
	return db.cfg.Driver
}

// Pool returns the current connection pool statistics.
func (db *DB) Pool() (PoolStats, error) {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return PoolStats{}, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	s := sqlDB.Stats()
	return PoolStats{
		MaxOpen:      s.MaxOpenConnections,
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
	}, nil
}

// StartStatsMonitor logs pool statistics every interval until ctx is
// cancelled. Intervals where nothing waited for a connection log at debug.
func (db *DB) StartStatsMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastWaits int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := db.Pool()
				if err != nil {
					continue
				}
				level := slog.LevelDebug
				if stats.WaitCount > lastWaits {
					level = slog.LevelInfo
				}
				lastWaits = stats.WaitCount
				db.logger.Log(ctx, level, "database pool", slog.Any("pool", stats))
			}
		}
	}()
}
