// Package jobstore holds transcode job snapshots. Snapshots are replaced
// whole on every write, so a reader always sees a consistent job.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/hlsforge/internal/models"
)

var (
	// ErrNotFound is returned when no job exists for an id.
	ErrNotFound = errors.New("job not found")
	// ErrActive is returned by Create when a non-terminal job already exists.
	ErrActive = errors.New("job already active")
	// ErrTerminal is returned by Update when the job has already finished.
	ErrTerminal = errors.New("job is terminal")
)

// UpdateFunc mutates a private copy of a job. Returning an error discards it.
type UpdateFunc func(job *models.TranscodeJob) error

// Store maps media ids to job snapshots.
type Store interface {
	// Create inserts a new job. A terminal job with the same id is replaced.
	Create(ctx context.Context, job *models.TranscodeJob) error
	// Get returns a copy of the current snapshot.
	Get(ctx context.Context, id string) (*models.TranscodeJob, error)
	// All returns copies of every snapshot keyed by id.
	All(ctx context.Context) (map[string]*models.TranscodeJob, error)
	// Update applies fn to a copy of a non-terminal job and stores the result.
	Update(ctx context.Context, id string, fn UpdateFunc) (*models.TranscodeJob, error)
	// Delete removes a job regardless of state.
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore removes terminal jobs that finished before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// Subscribe delivers stored snapshots in write order until ctx ends.
	// Slow subscribers may miss progress snapshots but always receive
	// terminal ones.
	Subscribe(ctx context.Context) (<-chan *models.TranscodeJob, error)
}

// CountByStatus tallies jobs by status.
func CountByStatus(jobs map[string]*models.TranscodeJob) map[models.TranscodeStatus]int {
	counts := make(map[models.TranscodeStatus]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts
}

func terminalBefore(j *models.TranscodeJob, cutoff time.Time) bool {
	if !j.IsTerminal() {
		return false
	}
	at := j.TerminalAt()
	return at != nil && at.Before(cutoff)
}
