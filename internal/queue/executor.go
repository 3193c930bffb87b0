package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/repository"
)

// ErrReleased asks the executor to hand a job back without spending an
// attempt, e.g. when the process is shutting down.
var ErrReleased = errors.New("job released")

// Handler processes the payload of one durable job.
type Handler interface {
	// Execute runs the job and returns a result string or error.
	Execute(ctx context.Context, job *models.QueueJob) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.QueueJob) (string, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, job *models.QueueJob) (string, error) {
	return f(ctx, job)
}

// ExhaustedFunc is called once a job has failed for good.
type ExhaustedFunc func(ctx context.Context, job *models.QueueJob)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Executor runs claimed jobs through a Handler and records the outcome.
type Executor struct {
	queue       string
	repo        repository.QueueJobRepository
	handler     Handler
	onExhausted ExhaustedFunc
	logger      *slog.Logger
}

// NewExecutor creates an executor for the named queue.
func NewExecutor(queue string, repo repository.QueueJobRepository, handler Handler, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		queue:   queue,
		repo:    repo,
		handler: handler,
		logger:  logger,
	}
}

// Execute runs job, then stores the result, a retry or a release. It
// returns an error only when the outcome could not be persisted.
func (e *Executor) Execute(ctx context.Context, job *models.QueueJob, workerID string) error {
	storeCtx := context.WithoutCancel(ctx)
	logger := e.logger.With(
		slog.String("queue_job_id", job.ID.String()),
		slog.String("key", job.Key),
		slog.Int("attempt", job.AttemptCount),
	)

	logger.Debug("executing queue job")
	result, err := e.safeExecute(ctx, job)

	release := errors.Is(err, ErrReleased) || (err != nil && ctx.Err() != nil)
	exhausted := false

	var history *models.QueueJobHistory
	switch {
	case release:
		job.Release()
	case err != nil:
		history = e.history(job)
		job.MarkFailed(err)
		fillHistory(history, job, models.QueueJobStatusFailed)
		if !IsPermanent(err) && job.CanRetry() {
			job.ScheduleRetry()
		} else {
			exhausted = true
		}
	default:
		history = e.history(job)
		job.MarkCompleted(result)
		fillHistory(history, job, models.QueueJobStatusCompleted)
	}

	if finishErr := e.repo.Finish(storeCtx, job, workerID, history); finishErr != nil {
		if errors.Is(finishErr, repository.ErrLockLost) {
			// Cancelled or reclaimed while running; the new owner decides.
			logger.Info("queue job no longer held, outcome dropped")
			return nil
		}
		return fmt.Errorf("recording outcome of %s: %w", job.ID, finishErr)
	}

	metrics.QueueJobsTotal.WithLabelValues(e.queue, string(job.Status)).Inc()

	switch {
	case release:
		logger.Info("queue job released")
	case job.Status == models.QueueJobStatusScheduled:
		logger.Warn("queue job failed, retry scheduled",
			slog.String("error", err.Error()),
			slog.Time("next_run_at", *job.NextRunAt),
		)
	case exhausted:
		logger.Error("queue job failed permanently", slog.String("error", err.Error()))
		e.exhaust(storeCtx, job)
	default:
		logger.Debug("queue job completed", slog.Int64("duration_ms", job.DurationMs))
	}
	return nil
}

func (e *Executor) safeExecute(ctx context.Context, job *models.QueueJob) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return e.handler.Execute(ctx, job)
}

// exhaust runs the exhaustion hook, isolating its panics.
func (e *Executor) exhaust(ctx context.Context, job *models.QueueJob) {
	if e.onExhausted == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("exhaustion hook panicked",
				slog.String("key", job.Key),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	e.onExhausted(ctx, job)
}

func (e *Executor) history(job *models.QueueJob) *models.QueueJobHistory {
	return &models.QueueJobHistory{
		JobID:         job.ID,
		Queue:         job.Queue,
		Key:           job.Key,
		StartedAt:     job.StartedAt,
		AttemptNumber: job.AttemptCount,
	}
}

func fillHistory(h *models.QueueJobHistory, job *models.QueueJob, status models.QueueJobStatus) {
	h.Status = status
	h.CompletedAt = job.CompletedAt
	h.DurationMs = job.DurationMs
	h.Error = job.LastError
	h.Result = job.Result
}
