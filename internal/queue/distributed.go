package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/repository"
	"github.com/jmylchreest/hlsforge/internal/worker"
)

// TranscodeQueueName is the durable queue holding transcode work.
const TranscodeQueueName = "transcode"

// errWorkerLost is recorded when a job is found processing with no owner.
var errWorkerLost = errors.New("previous worker lost")

type transcodePayload struct {
	ID string `json:"id"`
}

// TranscodeExhaustedFunc is called with the final snapshot of a transcode
// that failed on its last attempt.
type TranscodeExhaustedFunc func(ctx context.Context, job *models.TranscodeJob)

// Distributed runs transcodes from the durable "transcode" queue. The
// invocation lives in the shared job store; the durable record carries only
// the media id, which is also its idempotency key.
type Distributed struct {
	store   jobstore.Store
	runner  JobRunner
	durable *Durable
	poll    time.Duration
	logger  *slog.Logger

	onExhausted TranscodeExhaustedFunc

	mu      sync.Mutex
	futures map[string][]*Future
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Queue = (*Distributed)(nil)

// NewDistributed creates the distributed queue. cfg.Name is forced to
// TranscodeQueueName.
func NewDistributed(store jobstore.Store, runner JobRunner, repo repository.QueueJobRepository, cfg DurableConfig, logger *slog.Logger) *Distributed {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Name = TranscodeQueueName
	d := &Distributed{
		store:   store,
		runner:  runner,
		poll:    cfg.Runner.PollInterval,
		logger:  observability.WithComponent(logger, "queue.distributed"),
		futures: make(map[string][]*Future),
	}
	if d.poll <= 0 {
		d.poll = DefaultRunnerConfig().PollInterval
	}
	d.durable = NewDurable(repo, cfg, HandlerFunc(d.execute), logger).OnExhausted(d.exhausted)
	return d
}

// OnExhausted registers fn to run when a transcode fails for good.
func (d *Distributed) OnExhausted(fn TranscodeExhaustedFunc) *Distributed {
	d.onExhausted = fn
	return d
}

// Durable exposes the underlying durable queue.
func (d *Distributed) Durable() *Durable { return d.durable }

// Submit stores a queued job and enqueues its id. While a job for id is
// active anywhere, Submit is a no-op returning a future for that job.
func (d *Distributed) Submit(ctx context.Context, id string, inv models.Invocation) (*Future, error) {
	if id == "" {
		return nil, models.ErrValidation{Field: "id", Message: "is required"}
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	active, err := d.durable.Active(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("checking active job %s: %w", id, err)
	}
	if active != nil {
		return d.duplicate(ctx, id)
	}

	job := models.NewTranscodeJob(id, inv, models.Now())
	job.MaxAttempts = d.durable.cfg.MaxAttempts
	if err := d.store.Create(ctx, job); err != nil {
		if errors.Is(err, jobstore.ErrActive) {
			return d.duplicate(ctx, id)
		}
		return nil, fmt.Errorf("creating job %s: %w", id, err)
	}

	if _, _, err := d.durable.Enqueue(ctx, id, transcodePayload{ID: id}); err != nil {
		if delErr := d.store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			d.logger.Error("rolling back job after enqueue failure",
				slog.String("job_id", id),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, err
	}

	d.logger.InfoContext(ctx, "job queued", slog.String("job_id", id))
	return d.watch(ctx, id, job.QueuedAt), nil
}

func (d *Distributed) duplicate(ctx context.Context, id string) (*Future, error) {
	d.logger.DebugContext(ctx, "duplicate submit ignored", slog.String("job_id", id))
	current, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading active job %s: %w", id, err)
	}
	return d.watch(ctx, id, current.QueuedAt), nil
}

// Get returns the current snapshot for id.
func (d *Distributed) Get(ctx context.Context, id string) (*models.TranscodeJob, error) {
	return d.store.Get(ctx, id)
}

// All returns every snapshot in the store.
func (d *Distributed) All(ctx context.Context) (map[string]*models.TranscodeJob, error) {
	return d.store.All(ctx)
}

// Cancel marks the job cancelled, removes it from the durable queue and
// kills its process if it runs here. Workers elsewhere stop on their next
// progress write.
func (d *Distributed) Cancel(ctx context.Context, id string) (bool, error) {
	snap, err := cancelInStore(ctx, d.store, id)
	if err != nil {
		return false, fmt.Errorf("cancelling job %s: %w", id, err)
	}
	if snap == nil {
		return false, nil
	}

	if _, err := d.durable.Cancel(ctx, id); err != nil {
		d.logger.WarnContext(ctx, "removing cancelled job from queue failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
	d.runner.Cancel(id)
	d.resolve(snap, nil)

	d.logger.InfoContext(ctx, "job cancelled", slog.String("job_id", id))
	return true, nil
}

// CleanupOlderThan drops terminal jobs older than age from the store.
func (d *Distributed) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return cleanupStore(ctx, d.store, age)
}

// Start launches the durable runner and the future watcher.
func (d *Distributed) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.cancel != nil {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	watchCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	events, err := d.store.Subscribe(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing to job events: %w", err)
	}
	d.wg.Add(1)
	go d.watchLoop(watchCtx, events)

	if err := d.durable.Start(ctx); err != nil {
		cancel()
		d.wg.Wait()
		return err
	}
	return nil
}

// Stop halts the runner. Jobs running here are released for another
// process; unresolved futures fail with ErrClosed.
func (d *Distributed) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cancel := d.cancel
	d.mu.Unlock()

	d.durable.Stop()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	leftover := d.futures
	d.futures = make(map[string][]*Future)
	d.mu.Unlock()
	for _, fs := range leftover {
		for _, f := range fs {
			f.resolve(nil, ErrClosed)
		}
	}
}

// execute is the durable handler for one transcode attempt.
func (d *Distributed) execute(ctx context.Context, qjob *models.QueueJob) (string, error) {
	payload, err := DecodePayload[transcodePayload](qjob)
	if err != nil {
		return "", err
	}
	id := payload.ID
	storeCtx := context.WithoutCancel(ctx)

	snap, err := d.store.Get(ctx, id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return "", Permanent(err)
	}
	if err != nil {
		return "", err
	}
	if snap.IsTerminal() {
		return string(snap.Status), nil
	}

	if snap.Status == models.TranscodeStatusProcessing {
		_, err := d.store.Update(storeCtx, id, func(j *models.TranscodeJob) error {
			return j.MarkRetrying(&models.JobError{Message: errWorkerLost.Error()})
		})
		if errors.Is(err, jobstore.ErrTerminal) {
			return "cancelled", nil
		}
		if err != nil {
			return "", err
		}
	}

	out, err := d.runner.Run(ctx, id, worker.Attempt{Final: qjob.IsFinalAttempt()})
	if err != nil {
		return "", err
	}

	switch {
	case out.Superseded:
		// Cancel already removed this record and resolved its futures.
		return string(models.TranscodeStatusCancelled), nil
	case out.Retry && ctx.Err() != nil:
		return "", ErrReleased
	case out.Retry:
		return "", out.Err
	}

	d.resolve(out.Job, nil)
	switch out.Status() {
	case models.TranscodeStatusFailed:
		if out.Err != nil {
			return "", Permanent(out.Err)
		}
		return "", Permanent(errors.New("transcode failed"))
	case models.TranscodeStatusCompleted:
		if out.Job.Output != nil {
			return out.Job.Output.Playlist, nil
		}
		return "completed", nil
	default:
		return string(out.Status()), nil
	}
}

// exhausted fails the store snapshot of a durable job that gave up outside
// a run, such as after stale recovery, and raises the alert hook.
func (d *Distributed) exhausted(ctx context.Context, qjob *models.QueueJob) {
	payload, err := DecodePayload[transcodePayload](qjob)
	if err != nil {
		d.logger.Error("exhausted job has unreadable payload", slog.String("key", qjob.Key))
		return
	}

	snap, err := d.store.Update(ctx, payload.ID, func(j *models.TranscodeJob) error {
		return j.MarkFailed(models.Now(), &models.JobError{Message: qjob.LastError})
	})
	if errors.Is(err, jobstore.ErrTerminal) {
		snap, err = d.store.Get(ctx, payload.ID)
	}
	if err != nil {
		d.logger.Error("loading exhausted job failed",
			slog.String("job_id", payload.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	metrics.QueueJobsTotal.WithLabelValues(TranscodeQueueName, "exhausted").Inc()
	d.resolve(snap, nil)
	if d.onExhausted != nil {
		d.onExhausted(ctx, snap)
	}
}

// watch registers a future for id and resolves it at once if the job has
// already finished.
func (d *Distributed) watch(ctx context.Context, id string, queuedAt time.Time) *Future {
	f := newFuture(id, queuedAt, d.logger)

	d.mu.Lock()
	d.futures[id] = append(d.futures[id], f)
	d.mu.Unlock()

	if snap, err := d.store.Get(ctx, id); err == nil && snap.IsTerminal() {
		d.resolve(snap, nil)
	}
	return f
}

// resolve settles the futures waiting on a terminal snapshot.
func (d *Distributed) resolve(snap *models.TranscodeJob, err error) {
	if snap == nil || !snap.IsTerminal() {
		return
	}

	d.mu.Lock()
	var ready []*Future
	kept := d.futures[snap.ID][:0]
	for _, f := range d.futures[snap.ID] {
		if f.matches(snap) {
			ready = append(ready, f)
		} else {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		delete(d.futures, snap.ID)
	} else {
		d.futures[snap.ID] = kept
	}
	d.mu.Unlock()

	for _, f := range ready {
		f.resolve(snap, err)
	}
}

// watchLoop resolves futures from store events. Subscribers may miss
// snapshots, so pending futures are also polled.
func (d *Distributed) watchLoop(ctx context.Context, events <-chan *models.TranscodeJob) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.resolve(snap, nil)
		case <-ticker.C:
			d.pollFutures(ctx)
		}
	}
}

func (d *Distributed) pollFutures(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.futures))
	for id := range d.futures {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		snap, err := d.store.Get(ctx, id)
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			d.mu.Lock()
			fs := d.futures[id]
			delete(d.futures, id)
			d.mu.Unlock()
			for _, f := range fs {
				f.resolve(nil, err)
			}
		case err == nil:
			d.resolve(snap, nil)
		}
	}
}
