package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/repository"
)

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// WorkerCount is the number of concurrent workers.
	// Default: 1
	WorkerCount int

	// PollInterval is how often idle workers poll for jobs.
	// Default: 2 seconds
	PollInterval time.Duration

	// StaleAfter is the lock age after which a running job is presumed
	// abandoned and recovered. Zero disables recovery.
	StaleAfter time.Duration

	// WorkerID identifies this process in job locks.
	// Default: hostname plus a random suffix
	WorkerID string

	// JobTimeout bounds a single execution. Zero means no limit.
	JobTimeout time.Duration

	// CleanupInterval is how often finished records are pruned.
	// Default: 1 hour
	CleanupInterval time.Duration

	// PruneAge deletes finished jobs and history older than this.
	PruneAge time.Duration

	// PruneKeep caps the number of finished jobs kept.
	PruneKeep int
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:     1,
		PollInterval:    2 * time.Second,
		StaleAfter:      6 * time.Hour,
		WorkerID:        defaultWorkerID(),
		CleanupInterval: time.Hour,
		PruneAge:        7 * 24 * time.Hour,
		PruneKeep:       1000,
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hlsforge"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Runner manages a pool of workers claiming jobs from one durable queue.
type Runner struct {
	mu sync.RWMutex

	queue    string
	repo     repository.QueueJobRepository
	executor *Executor
	logger   *slog.Logger
	config   RunnerConfig

	wake chan struct{}

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner for queue. Zero fields of config fall back to
// DefaultRunnerConfig.
func NewRunner(queue string, repo repository.QueueJobRepository, executor *Executor, config RunnerConfig, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.WorkerID == "" {
		config.WorkerID = def.WorkerID
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:    queue,
		repo:     repo,
		executor: executor,
		logger:   logger,
		config:   config,
		wake:     make(chan struct{}, config.WorkerCount),
	}
}

// Start begins the runner with the configured number of workers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return ErrAlreadyStarted
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", r.config.WorkerID, i)
		r.wg.Add(1)
		go r.worker(r.ctx, workerID)
	}

	if r.config.PruneAge > 0 || r.config.PruneKeep > 0 {
		r.wg.Add(1)
		go r.cleanup(r.ctx)
	}

	if r.config.StaleAfter > 0 {
		// Jobs orphaned by a crash are picked up straight away.
		r.performStaleRecovery(r.ctx)
		r.wg.Add(1)
		go r.recoverStaleJobs(r.ctx)
	}

	r.logger.Info("runner started",
		slog.String("queue", r.queue),
		slog.Int("workers", r.config.WorkerCount),
		slog.Duration("poll_interval", r.config.PollInterval),
		slog.String("worker_id", r.config.WorkerID))

	return nil
}

// Stop stops the runner and waits for workers to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	r.ctx = nil
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Info("runner stopped", slog.String("queue", r.queue))
}

// Notify wakes an idle worker so a new job is claimed without waiting for
// the next poll.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// worker is the main worker loop.
func (r *Runner) worker(ctx context.Context, workerID string) {
	defer r.wg.Done()

	r.logger.Debug("worker started", slog.String("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("worker stopping", slog.String("worker_id", workerID))
			return
		default:
		}

		err := r.processJob(ctx, workerID)
		if err == nil {
			continue
		}
		if !errors.Is(err, errNoJobs) && ctx.Err() == nil {
			r.logger.Error("error processing job",
				slog.String("worker_id", workerID),
				slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-time.After(r.config.PollInterval):
		}
	}
}

var errNoJobs = errors.New("no jobs available")

// processJob acquires and executes a single job.
func (r *Runner) processJob(ctx context.Context, workerID string) error {
	job, err := r.repo.AcquireJob(ctx, r.queue, workerID)
	if err != nil {
		return fmt.Errorf("acquiring job: %w", err)
	}
	if job == nil {
		return errNoJobs
	}

	r.logger.Debug("acquired job",
		slog.String("worker_id", workerID),
		slog.String("queue_job_id", job.ID.String()),
		slog.String("key", job.Key))

	jobCtx := ctx
	if r.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, r.config.JobTimeout)
		defer cancel()
	}

	if err := r.executor.Execute(jobCtx, job, workerID); err != nil {
		return fmt.Errorf("executing job: %w", err)
	}
	return nil
}

// cleanup periodically prunes finished jobs and history.
func (r *Runner) cleanup(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Prune(ctx); err != nil {
				r.logger.Error("failed to prune queue", slog.String("queue", r.queue), slog.Any("error", err))
			}
		}
	}
}

// Prune deletes finished jobs beyond the configured age and count, and
// history older than the age. It returns the number of jobs deleted.
func (r *Runner) Prune(ctx context.Context) (int64, error) {
	var total int64

	if r.config.PruneAge > 0 {
		cutoff := models.Now().Add(-r.config.PruneAge)

		n, err := r.repo.DeleteFinishedBefore(ctx, r.queue, cutoff)
		if err != nil {
			return total, fmt.Errorf("deleting old jobs: %w", err)
		}
		total += n

		historyDeleted, err := r.repo.DeleteHistory(ctx, r.queue, cutoff)
		if err != nil {
			return total, fmt.Errorf("deleting old history: %w", err)
		}
		if historyDeleted > 0 {
			r.logger.Debug("cleaned up old history", slog.String("queue", r.queue), slog.Int64("deleted", historyDeleted))
		}
	}

	if r.config.PruneKeep > 0 {
		n, err := r.repo.DeleteFinishedExceeding(ctx, r.queue, r.config.PruneKeep)
		if err != nil {
			return total, fmt.Errorf("deleting excess jobs: %w", err)
		}
		total += n
	}

	if total > 0 {
		r.logger.Info("pruned finished jobs", slog.String("queue", r.queue), slog.Int64("deleted", total))
	}
	return total, nil
}

// recoverStaleJobs periodically checks for jobs that were locked but never
// finished. This happens when a process dies mid-job.
func (r *Runner) recoverStaleJobs(ctx context.Context) {
	defer r.wg.Done()

	interval := min(r.config.StaleAfter/4, 5*time.Minute)
	ticker := time.NewTicker(max(interval, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.performStaleRecovery(ctx)
		}
	}
}

// performStaleRecovery releases jobs that have been locked too long.
func (r *Runner) performStaleRecovery(ctx context.Context) {
	cutoff := models.Now().Add(-r.config.StaleAfter)

	released, err := r.repo.ReleaseStale(ctx, r.queue, cutoff)
	if err != nil {
		r.logger.Error("failed to recover stale jobs", slog.String("queue", r.queue), slog.Any("error", err))
	}

	for _, job := range released {
		metrics.QueueStaleRecoveredTotal.WithLabelValues(r.queue).Inc()
		r.logger.Warn("recovered stale job",
			slog.String("queue_job_id", job.ID.String()),
			slog.String("key", job.Key),
			slog.String("status", string(job.Status)))

		if job.Status == models.QueueJobStatusFailed {
			r.executor.exhaust(context.WithoutCancel(ctx), job)
		} else {
			r.Notify()
		}
	}
}

// GetStatus returns the current runner status.
func (r *Runner) GetStatus(ctx context.Context) RunnerStatus {
	r.mu.RLock()
	running := r.ctx != nil && r.ctx.Err() == nil
	r.mu.RUnlock()

	status := RunnerStatus{
		Queue:        r.queue,
		Running:      running,
		WorkerCount:  r.config.WorkerCount,
		WorkerID:     r.config.WorkerID,
		PollInterval: r.config.PollInterval,
	}

	counts, err := r.repo.CountByStatus(ctx, r.queue)
	if err != nil {
		r.logger.Warn("failed to count queue jobs", slog.String("queue", r.queue), slog.Any("error", err))
		return status
	}
	status.PendingJobs = counts[models.QueueJobStatusPending] + counts[models.QueueJobStatusScheduled]
	status.RunningJobs = counts[models.QueueJobStatusRunning]
	return status
}

// RunnerStatus represents the current state of the runner.
type RunnerStatus struct {
	Queue        string        `json:"queue"`
	Running      bool          `json:"running"`
	WorkerCount  int           `json:"worker_count"`
	WorkerID     string        `json:"worker_id"`
	PendingJobs  int64         `json:"pending_jobs"`
	RunningJobs  int64         `json:"running_jobs"`
	PollInterval time.Duration `json:"poll_interval"`
}
