package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// ErrPending is returned by Result before the job has finished.
var ErrPending = errors.New("job still pending")

// Future resolves once when its job reaches a terminal state.
type Future struct {
	id       string
	queuedAt time.Time
	logger   *slog.Logger

	once sync.Once
	done chan struct{}
	job  *models.TranscodeJob
	err  error
}

func newFuture(id string, queuedAt time.Time, logger *slog.Logger) *Future {
	if logger == nil {
		logger = slog.Default()
	}
	return &Future{
		id:       id,
		queuedAt: queuedAt,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// ID returns the media id the future tracks.
func (f *Future) ID() string { return f.id }

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (*models.TranscodeJob, error) {
	select {
	case <-f.done:
		return f.job, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the resolved snapshot without blocking.
func (f *Future) Result() (*models.TranscodeJob, error) {
	select {
	case <-f.done:
		return f.job, f.err
	default:
		return nil, ErrPending
	}
}

// Then runs fn in its own goroutine after the future resolves. An error or
// panic from fn is logged and does not affect the job.
func (f *Future) Then(fn func(job *models.TranscodeJob, err error) error) *Future {
	go func() {
		<-f.done
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("continuation panicked",
					slog.String("job_id", f.id),
					slog.String("panic", fmt.Sprint(r)),
				)
			}
		}()
		if err := fn(f.job, f.err); err != nil {
			f.logger.Warn("continuation failed",
				slog.String("job_id", f.id),
				slog.String("error", err.Error()),
			)
		}
	}()
	return f
}

// resolve settles the future. Only the first call has any effect.
func (f *Future) resolve(job *models.TranscodeJob, err error) {
	f.once.Do(func() {
		f.job = job
		f.err = err
		close(f.done)
	})
}

// matches reports whether snap belongs to the submission this future tracks
// rather than an earlier job under the same id.
func (f *Future) matches(snap *models.TranscodeJob) bool {
	return snap != nil && !snap.QueuedAt.Before(f.queuedAt)
}
