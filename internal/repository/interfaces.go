// Package repository provides data access for the durable queue.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// QueueJobRepository defines operations for durable queue persistence.
type QueueJobRepository interface {
	// Create inserts a job, failing with ErrDuplicateKey if an unfinished
	// job already holds its queue and key.
	Create(ctx context.Context, job *models.QueueJob) error
	// GetByID retrieves a job by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.QueueJob, error)
	// FindActive returns the unfinished job for queue and key.
	FindActive(ctx context.Context, queue, key string) (*models.QueueJob, error)
	// FindLatest returns the newest job for queue and key in any state.
	FindLatest(ctx context.Context, queue, key string) (*models.QueueJob, error)
	// List returns the jobs of a queue, optionally filtered by status.
	List(ctx context.Context, queue string, statuses ...models.QueueJobStatus) ([]*models.QueueJob, error)
	// CountByStatus tallies the jobs of a queue by status.
	CountByStatus(ctx context.Context, queue string) (map[models.QueueJobStatus]int64, error)
	// AcquireJob atomically claims the next runnable job (sets status to running).
	// Returns nil if no jobs are available or if another worker acquired it first.
	AcquireJob(ctx context.Context, queue, workerID string) (*models.QueueJob, error)
	// Finish stores the outcome of a claimed job and its history record.
	Finish(ctx context.Context, job *models.QueueJob, workerID string, history *models.QueueJobHistory) error
	// Cancel cancels the unfinished job for queue and key.
	Cancel(ctx context.Context, queue, key string) (*models.QueueJob, error)
	// ReleaseStale recovers running jobs whose lock is older than cutoff.
	ReleaseStale(ctx context.Context, queue string, cutoff time.Time) ([]*models.QueueJob, error)
	// DeleteFinishedBefore deletes finished jobs completed before cutoff.
	DeleteFinishedBefore(ctx context.Context, queue string, cutoff time.Time) (int64, error)
	// DeleteFinishedExceeding keeps only the newest keep finished jobs.
	DeleteFinishedExceeding(ctx context.Context, queue string, keep int) (int64, error)
	// GetHistory retrieves attempt history with pagination.
	GetHistory(ctx context.Context, queue string, offset, limit int) ([]*models.QueueJobHistory, int64, error)
	// DeleteHistory deletes history records completed before cutoff.
	DeleteHistory(ctx context.Context, queue string, cutoff time.Time) (int64, error)
}
