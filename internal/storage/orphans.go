package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// InUseFunc reports the absolute paths still referenced by unfinished jobs.
type InUseFunc func(ctx context.Context) (map[string]bool, error)

// CleanupOrphans removes top-level entries of sb that were last modified
// more than maxAge ago and are not in use. It is meant for the upload
// directory, where inputs of abandoned or never-submitted jobs pile up.
//
// Returns the number of entries removed.
func CleanupOrphans(ctx context.Context, sb *Sandbox, maxAge time.Duration, inUse InUseFunc, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := sb.List(".")
	if err != nil {
		return 0, err
	}

	protected := make(map[string]bool)
	if inUse != nil {
		active, err := inUse(ctx)
		if err != nil {
			return 0, err
		}
		for p := range active {
			if name, ok := sb.topLevel(p); ok {
				protected[name] = true
			}
		}
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		abs := filepath.Join(sb.BaseDir(), entry.Name())
		if protected[entry.Name()] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to stat orphan candidate",
				slog.String("path", abs),
				slog.String("error", err.Error()),
			)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := sb.RemoveAll(entry.Name()); err != nil {
			logger.Warn("failed to remove orphaned upload",
				slog.String("path", abs),
				slog.String("error", err.Error()),
			)
			continue
		}

		logger.Info("removed orphaned upload",
			slog.String("path", abs),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
		)
		removed++
	}

	return removed, nil
}

// topLevel maps a path at any depth below the sandbox to the name of the
// top-level entry containing it.
func (s *Sandbox) topLevel(p string) (string, bool) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	rel, err := filepath.Rel(s.baseDir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return strings.SplitN(rel, string(filepath.Separator), 2)[0], true
}
