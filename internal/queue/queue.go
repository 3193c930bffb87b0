// Package queue admits transcode requests and drives them through the
// worker. Local runs one job at a time in process; Distributed claims work
// from a durable database queue shared by every hlsforge process.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/worker"
)

var (
	// ErrClosed is returned once a queue has been stopped.
	ErrClosed = errors.New("queue is closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("queue already started")
)

// Queue admits transcode jobs and tracks them to a terminal state.
type Queue interface {
	// Submit registers a job for id. Submitting an id that is already
	// active returns a future for the existing job.
	Submit(ctx context.Context, id string, inv models.Invocation) (*Future, error)
	// Get returns the current snapshot for id.
	Get(ctx context.Context, id string) (*models.TranscodeJob, error)
	// All returns every known snapshot keyed by id.
	All(ctx context.Context) (map[string]*models.TranscodeJob, error)
	// Cancel stops a queued or running job. It reports false when no
	// active job exists for id.
	Cancel(ctx context.Context, id string) (bool, error)
	// CleanupOlderThan drops terminal jobs that finished more than age ago.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
	// Start begins processing until ctx ends or Stop is called.
	Start(ctx context.Context) error
	// Stop halts processing and waits for in-flight work to settle.
	Stop()
}

// JobRunner executes a single attempt of a stored job. *worker.Worker
// satisfies it.
type JobRunner interface {
	Run(ctx context.Context, id string, attempt worker.Attempt) (worker.Outcome, error)
	Cancel(id string) bool
}

var _ JobRunner = (*worker.Worker)(nil)

func cleanupStore(ctx context.Context, store jobstore.Store, age time.Duration) (int, error) {
	ids, err := store.DeleteTerminalBefore(ctx, models.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	metrics.SweptJobsTotal.Add(float64(len(ids)))
	return len(ids), nil
}

// cancelInStore marks id cancelled. It returns nil without error when the
// job is unknown or already terminal.
func cancelInStore(ctx context.Context, store jobstore.Store, id string) (*models.TranscodeJob, error) {
	snap, err := store.Update(ctx, id, func(j *models.TranscodeJob) error {
		return j.MarkCancelled(models.Now())
	})
	if errors.Is(err, jobstore.ErrNotFound) || errors.Is(err, jobstore.ErrTerminal) {
		return nil, nil
	}
	return snap, err
}

// Stats reports job counts of a Queue to the metrics collector.
type Stats struct {
	queue Queue
}

// NewStats creates a Stats over q.
func NewStats(q Queue) *Stats {
	return &Stats{queue: q}
}

// JobCounts returns the number of known jobs per status.
func (s *Stats) JobCounts(ctx context.Context) (map[string]int, error) {
	jobs, err := s.queue.All(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for status, n := range jobstore.CountByStatus(jobs) {
		counts[string(status)] = n
	}
	return counts, nil
}
