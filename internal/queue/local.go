package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/worker"
)

// LocalQueueName labels the in-process queue in logs and metrics.
const LocalQueueName = "local"

// DefaultLocalDelay is the pause between one job finishing and the next
// starting.
const DefaultLocalDelay = time.Second

// Local is an in-memory FIFO running one job at a time. Nothing survives a
// restart.
type Local struct {
	store  jobstore.Store
	runner JobRunner
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending []string
	futures map[string]*Future
	active  string
	started bool
	closed  bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Queue = (*Local)(nil)

// NewLocal creates a local queue. A non-positive delay selects
// DefaultLocalDelay.
func NewLocal(store jobstore.Store, runner JobRunner, delay time.Duration, logger *slog.Logger) *Local {
	if delay <= 0 {
		delay = DefaultLocalDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		store:   store,
		runner:  runner,
		delay:   delay,
		logger:  observability.WithComponent(logger, "queue.local"),
		futures: make(map[string]*Future),
		wake:    make(chan struct{}, 1),
	}
}

// Submit appends id to the queue. A duplicate of a queued or running id
// returns the existing future.
func (l *Local) Submit(ctx context.Context, id string, inv models.Invocation) (*Future, error) {
	if id == "" {
		return nil, models.ErrValidation{Field: "id", Message: "is required"}
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if f, ok := l.futures[id]; ok {
		metrics.QueueSubmissionsTotal.WithLabelValues(LocalQueueName, "duplicate").Inc()
		return f, nil
	}

	job := models.NewTranscodeJob(id, inv, models.Now())
	if err := l.store.Create(ctx, job); err != nil {
		metrics.QueueSubmissionsTotal.WithLabelValues(LocalQueueName, "error").Inc()
		return nil, fmt.Errorf("creating job %s: %w", id, err)
	}

	f := newFuture(id, job.QueuedAt, l.logger)
	l.futures[id] = f
	l.pending = append(l.pending, id)
	l.signal()

	metrics.QueueSubmissionsTotal.WithLabelValues(LocalQueueName, "accepted").Inc()
	l.logger.InfoContext(ctx, "job queued",
		slog.String("job_id", id),
		slog.Int("position", len(l.pending)),
	)
	return f, nil
}

// Get returns the current snapshot for id.
func (l *Local) Get(ctx context.Context, id string) (*models.TranscodeJob, error) {
	return l.store.Get(ctx, id)
}

// All returns every snapshot in the store.
func (l *Local) All(ctx context.Context) (map[string]*models.TranscodeJob, error) {
	return l.store.All(ctx)
}

// Cancel removes a queued job or stops the running one. Stopping a running
// process is best effort: the store is marked first and the worker notices
// on its next write if the kill races with exit. The id can be submitted
// again as soon as Cancel returns.
func (l *Local) Cancel(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	f, tracked := l.futures[id]
	// A resubmit of the running id waits in pending under a new future.
	running := l.active == id && !slices.Contains(l.pending, id)
	if tracked && !running {
		l.pending = slices.DeleteFunc(l.pending, func(p string) bool { return p == id })
		delete(l.futures, id)
	}
	l.mu.Unlock()

	snap, err := cancelInStore(ctx, l.store, id)
	if err != nil {
		return false, fmt.Errorf("cancelling job %s: %w", id, err)
	}
	if snap == nil {
		return false, nil
	}

	if running {
		l.mu.Lock()
		if tracked && l.futures[id] == f {
			delete(l.futures, id)
		}
		l.mu.Unlock()
		l.runner.Cancel(id)
	}
	if tracked {
		f.resolve(snap, nil)
	}

	metrics.QueueJobsTotal.WithLabelValues(LocalQueueName, string(models.TranscodeStatusCancelled)).Inc()
	l.logger.InfoContext(ctx, "job cancelled", slog.String("job_id", id), slog.Bool("running", running))
	return true, nil
}

// CleanupOlderThan drops terminal jobs older than age from the store.
func (l *Local) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return cleanupStore(ctx, l.store, age)
}

// Start launches the processing loop.
func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.started {
		return ErrAlreadyStarted
	}
	l.started = true

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.loop(runCtx)

	l.logger.Info("local queue started", slog.Duration("delay", l.delay))
	return nil
}

// Stop halts the loop, waits for the running job to exit and cancels
// everything still queued.
func (l *Local) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()

	l.mu.Lock()
	leftover := l.futures
	l.futures = make(map[string]*Future)
	l.pending = nil
	l.mu.Unlock()

	ctx := context.Background()
	for id, f := range leftover {
		snap, err := cancelInStore(ctx, l.store, id)
		if err != nil {
			l.logger.Warn("cancelling leftover job failed", slog.String("job_id", id), slog.String("error", err.Error()))
		}
		f.resolve(snap, ErrClosed)
	}
	l.logger.Info("local queue stopped", slog.Int("cancelled", len(leftover)))
}

// Len returns the number of queued jobs, excluding the running one.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Local) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Local) loop(ctx context.Context) {
	defer l.wg.Done()

	for {
		id, f, ok := l.next(ctx)
		if !ok {
			return
		}
		l.run(ctx, id, f)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.delay):
		}
	}
}

// next pops the head of the queue with its future, waiting for a submit
// when empty.
func (l *Local) next(ctx context.Context) (string, *Future, bool) {
	for {
		l.mu.Lock()
		if len(l.pending) > 0 {
			id := l.pending[0]
			l.pending = l.pending[1:]
			l.active = id
			f := l.futures[id]
			l.mu.Unlock()
			return id, f, true
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", nil, false
		case <-l.wake:
		}
	}
}

// run executes id and resolves f, the future it was dequeued with. A
// resubmission made after a cancel owns a different future and is left
// queued.
func (l *Local) run(ctx context.Context, id string, f *Future) {
	logger := observability.WithJobID(l.logger, id)

	out, err := l.safeRun(ctx, id)

	l.mu.Lock()
	l.active = ""
	if out.Retry {
		// Interrupted by Stop; Stop cancels and resolves it.
		l.mu.Unlock()
		return
	}
	if f != nil && l.futures[id] == f {
		delete(l.futures, id)
	}
	l.mu.Unlock()

	switch {
	case err != nil:
		logger.Error("job run failed", slog.String("error", err.Error()))
	case out.Superseded:
		return
	default:
		metrics.QueueJobsTotal.WithLabelValues(LocalQueueName, string(out.Status())).Inc()
	}
	if f != nil {
		f.resolve(out.Job, err)
	}
}

// safeRun keeps a panicking worker from taking the loop down with it.
func (l *Local) safeRun(ctx context.Context, id string) (out worker.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
			if snap, markErr := l.store.Update(context.WithoutCancel(ctx), id, func(j *models.TranscodeJob) error {
				return j.MarkFailed(models.Now(), &models.JobError{Message: err.Error()})
			}); markErr == nil {
				out = worker.Outcome{Job: snap}
			} else if !errors.Is(markErr, jobstore.ErrTerminal) {
				l.logger.Error("failing panicked job", slog.String("job_id", id), slog.String("error", markErr.Error()))
			}
		}
	}()
	return l.runner.Run(ctx, id, worker.Attempt{Final: true})
}
