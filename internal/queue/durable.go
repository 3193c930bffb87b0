package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/repository"
)

// DurableConfig describes one named durable queue.
type DurableConfig struct {
	Name        string
	MaxAttempts int
	// Backoff is the base retry delay, doubled per attempt.
	Backoff time.Duration
	Runner  RunnerConfig
}

// Durable is a database-backed queue keyed by idempotency key. Any number
// of processes may run it against the same database.
type Durable struct {
	cfg      DurableConfig
	repo     repository.QueueJobRepository
	executor *Executor
	runner   *Runner
	logger   *slog.Logger
}

// NewDurable creates a durable queue whose jobs are processed by handler.
func NewDurable(repo repository.QueueJobRepository, cfg DurableConfig, handler Handler, logger *slog.Logger) *Durable {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "queue."+cfg.Name)

	executor := NewExecutor(cfg.Name, repo, handler, logger)
	return &Durable{
		cfg:      cfg,
		repo:     repo,
		executor: executor,
		runner:   NewRunner(cfg.Name, repo, executor, cfg.Runner, logger),
		logger:   logger,
	}
}

// OnExhausted registers fn to run when a job fails with no attempts left.
func (d *Durable) OnExhausted(fn ExhaustedFunc) *Durable {
	d.executor.onExhausted = fn
	return d
}

// Name returns the queue name.
func (d *Durable) Name() string { return d.cfg.Name }

// Enqueue adds a job for key with a JSON encoded payload. If an unfinished
// job already holds key, that job is returned and created is false.
func (d *Durable) Enqueue(ctx context.Context, key string, payload any) (job *models.QueueJob, created bool, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encoding payload: %w", err)
	}

	// A duplicate can finish between Create failing and FindActive running;
	// one more Create then succeeds.
	for range 2 {
		job = &models.QueueJob{
			Queue:       d.cfg.Name,
			Key:         key,
			Payload:     string(data),
			Status:      models.QueueJobStatusPending,
			MaxAttempts: d.cfg.MaxAttempts,
			BackoffMs:   d.cfg.Backoff.Milliseconds(),
		}
		err = d.repo.Create(ctx, job)
		if err == nil {
			metrics.QueueSubmissionsTotal.WithLabelValues(d.cfg.Name, "accepted").Inc()
			d.runner.Notify()
			return job, true, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) {
			metrics.QueueSubmissionsTotal.WithLabelValues(d.cfg.Name, "error").Inc()
			return nil, false, fmt.Errorf("enqueueing %s: %w", key, err)
		}

		existing, findErr := d.repo.FindActive(ctx, d.cfg.Name, key)
		if findErr != nil {
			return nil, false, fmt.Errorf("finding active %s: %w", key, findErr)
		}
		if existing != nil {
			metrics.QueueSubmissionsTotal.WithLabelValues(d.cfg.Name, "duplicate").Inc()
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("enqueueing %s: %w", key, err)
}

// Cancel cancels the unfinished job for key. A running job is marked
// cancelled; its worker's outcome is then discarded.
func (d *Durable) Cancel(ctx context.Context, key string) (bool, error) {
	job, err := d.repo.Cancel(ctx, d.cfg.Name, key)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	metrics.QueueJobsTotal.WithLabelValues(d.cfg.Name, string(models.QueueJobStatusCancelled)).Inc()
	return true, nil
}

// Active returns the unfinished job for key, or nil.
func (d *Durable) Active(ctx context.Context, key string) (*models.QueueJob, error) {
	return d.repo.FindActive(ctx, d.cfg.Name, key)
}

// Latest returns the newest job for key in any state, or nil.
func (d *Durable) Latest(ctx context.Context, key string) (*models.QueueJob, error) {
	return d.repo.FindLatest(ctx, d.cfg.Name, key)
}

// List returns the jobs of the queue, optionally filtered by status.
func (d *Durable) List(ctx context.Context, statuses ...models.QueueJobStatus) ([]*models.QueueJob, error) {
	return d.repo.List(ctx, d.cfg.Name, statuses...)
}

// History returns attempt history, newest first, and the total count.
func (d *Durable) History(ctx context.Context, offset, limit int) ([]*models.QueueJobHistory, int64, error) {
	return d.repo.GetHistory(ctx, d.cfg.Name, offset, limit)
}

// Prune deletes finished jobs per the runner's age and count limits.
func (d *Durable) Prune(ctx context.Context) (int64, error) {
	return d.runner.Prune(ctx)
}

// Status reports worker and backlog state.
func (d *Durable) Status(ctx context.Context) RunnerStatus {
	return d.runner.GetStatus(ctx)
}

// Start launches the runner.
func (d *Durable) Start(ctx context.Context) error {
	return d.runner.Start(ctx)
}

// Stop halts the runner, releasing in-flight jobs back to the queue.
func (d *Durable) Stop() {
	d.runner.Stop()
}

// DecodePayload unmarshals the payload of job into a T.
func DecodePayload[T any](job *models.QueueJob) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(job.Payload), &v); err != nil {
		return v, Permanent(fmt.Errorf("decoding payload of %s: %w", job.Key, err))
	}
	return v, nil
}
