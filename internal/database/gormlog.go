package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	slowQueryThreshold = 500 * time.Millisecond
	maxSQLLogLength    = 200
)

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// gormLogger routes GORM's logging through slog.
type gormLogger struct {
	logger *slog.Logger
	level  logger.LogLevel

	// pool is consulted when SQLite reports lock contention.
	pool func() (PoolStats, error)

	mu           *sync.Mutex
	lastPoolDump *time.Time
}

func newGormLogger(level string, log *slog.Logger) *gormLogger {
	return &gormLogger{
		logger:       log,
		level:        gormLogLevel(level),
		mu:           &sync.Mutex{},
		lastPoolDump: new(time.Time),
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	// A missing row is an expected outcome for the queue lookups.
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = nil
	}

	elapsed := time.Since(begin)
	slow := elapsed > slowQueryThreshold

	var level slog.Level
	switch {
	case err != nil && l.level >= logger.Error:
		level = slog.LevelError
	case slow && l.level >= logger.Warn:
		level = slog.LevelWarn
	case l.level >= logger.Info:
		level = slog.LevelDebug
	default:
		return
	}
	// fc interpolates the full statement, so only call it for emitted records.
	if !l.logger.Enabled(ctx, level) {
		return
	}

	sql, rows := fc()
	if len(sql) > maxSQLLogLength {
		sql = sql[:maxSQLLogLength] + "... (truncated)"
	}
	attrs := []any{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}

	switch level {
	case slog.LevelError:
		kind := classifyError(err)
		if kind == "sqlite_busy" {
			l.dumpPool(ctx)
		}
		l.logger.ErrorContext(ctx, "database error", append(attrs, slog.String("error_type", kind), slog.String("error", err.Error()))...)
	case slog.LevelWarn:
		l.logger.WarnContext(ctx, "slow query", attrs...)
	default:
		l.logger.DebugContext(ctx, "database query", attrs...)
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return "duplicate"
	case strings.Contains(err.Error(), "database is locked"):
		return "sqlite_busy"
	default:
		return "other"
	}
}

// dumpPool logs pool statistics at most once a minute.
func (l *gormLogger) dumpPool(ctx context.Context) {
	if l.pool == nil {
		return
	}
	l.mu.Lock()
	if time.Since(*l.lastPoolDump) < time.Minute {
		l.mu.Unlock()
		return
	}
	*l.lastPoolDump = time.Now()
	l.mu.Unlock()

	if stats, err := l.pool(); err == nil {
		l.logger.WarnContext(ctx, "database pool on lock contention", slog.Any("pool", stats))
	}
}
