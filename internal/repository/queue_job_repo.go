package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/hlsforge/internal/models"
)

var (
	// ErrDuplicateKey is returned by Create when an unfinished job already
	// holds the same queue and key.
	ErrDuplicateKey = errors.New("active job exists for key")
	// ErrLockLost is returned by Finish when the job is no longer held by
	// the worker, e.g. after cancellation or stale recovery.
	ErrLockLost = errors.New("job lock lost")
)

// queueJobRepo implements QueueJobRepository using GORM.
type queueJobRepo struct {
	db *gorm.DB
}

// NewQueueJobRepository creates a new QueueJobRepository.
func NewQueueJobRepository(db *gorm.DB) *queueJobRepo {
	return &queueJobRepo{db: db}
}

// Create inserts a job. The job becomes claimable once NextRunAt has passed.
func (r *queueJobRepo) Create(ctx context.Context, job *models.QueueJob) error {
	if job.NextRunAt == nil {
		now := models.Now()
		job.NextRunAt = &now
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("creating queue job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID, or nil if it does not exist.
func (r *queueJobRepo) GetByID(ctx context.Context, id models.ULID) (*models.QueueJob, error) {
	var job models.QueueJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting queue job by ID: %w", err)
	}
	return &job, nil
}

// FindActive returns the unfinished job for queue and key, or nil.
func (r *queueJobRepo) FindActive(ctx context.Context, queue, key string) (*models.QueueJob, error) {
	var job models.QueueJob
	err := r.db.WithContext(ctx).
		Where("active_key = ?", models.ActiveKeyFor(queue, key)).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding active queue job: %w", err)
	}
	return &job, nil
}

// FindLatest returns the most recently created job for queue and key, or nil.
func (r *queueJobRepo) FindLatest(ctx context.Context, queue, key string) (*models.QueueJob, error) {
	var job models.QueueJob
	err := r.db.WithContext(ctx).
		Where("queue = ? AND job_key = ?", queue, key).
		Order("created_at DESC, id DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding latest queue job: %w", err)
	}
	return &job, nil
}

// List returns the jobs of a queue, optionally filtered by status, oldest first.
func (r *queueJobRepo) List(ctx context.Context, queue string, statuses ...models.QueueJobStatus) ([]*models.QueueJob, error) {
	var jobs []*models.QueueJob
	query := r.db.WithContext(ctx).Where("queue = ?", queue)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if err := query.Order("created_at ASC, id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing queue jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus tallies the jobs of a queue by status.
func (r *queueJobRepo) CountByStatus(ctx context.Context, queue string) (map[models.QueueJobStatus]int64, error) {
	var rows []struct {
		Status models.QueueJobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.QueueJob{}).
		Select("status, COUNT(*) AS count").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting queue jobs: %w", err)
	}

	counts := make(map[models.QueueJobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// AcquireJob atomically claims the next runnable job of a queue for
// workerID. Uses SELECT FOR UPDATE with SKIP LOCKED where the dialect
// supports it; the conditional update guards dialects that ignore it.
// Returns nil if no job is available or another worker won the claim.
func (r *queueJobRepo) AcquireJob(ctx context.Context, queue, workerID string) (*models.QueueJob, error) {
	var job models.QueueJob
	now := models.Now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ?", queue).
			Where("status IN ?", []models.QueueJobStatus{models.QueueJobStatusPending, models.QueueJobStatusScheduled}).
			Where("(next_run_at IS NULL OR next_run_at <= ?)", now).
			Order("next_run_at ASC, id ASC").
			Limit(1)

		if err := query.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("finding pending job: %w", err)
		}

		previous := job.Status
		job.MarkRunning(workerID)

		result := tx.Model(&models.QueueJob{}).
			Where("id = ? AND status = ?", job.ID, previous).
			Updates(map[string]any{
				"status":        job.Status,
				"started_at":    job.StartedAt,
				"locked_by":     job.LockedBy,
				"locked_at":     job.LockedAt,
				"attempt_count": job.AttemptCount,
			})
		if result.Error != nil {
			return fmt.Errorf("acquiring job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &job, nil
}

// Finish stores the outcome of a claimed job and, when history is non-nil,
// records the attempt. It fails with ErrLockLost if workerID no longer holds
// the job.
func (r *queueJobRepo) Finish(ctx context.Context, job *models.QueueJob, workerID string, history *models.QueueJobHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.QueueJob{}).
			Where("id = ? AND status = ? AND locked_by = ?", job.ID, models.QueueJobStatusRunning, workerID).
			Select("*").
			Omit("id", "created_at").
			Updates(job)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("finishing queue job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrLockLost
		}
		if history != nil {
			if err := tx.Create(history).Error; err != nil {
				return fmt.Errorf("creating queue job history: %w", err)
			}
		}
		return nil
	})
}

// Cancel cancels the unfinished job for queue and key. It returns the
// cancelled job, or nil if none was active.
func (r *queueJobRepo) Cancel(ctx context.Context, queue, key string) (*models.QueueJob, error) {
	var cancelled *models.QueueJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.QueueJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("active_key = ?", models.ActiveKeyFor(queue, key)).
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("finding job to cancel: %w", err)
		}

		previous := job.Status
		job.MarkCancelled()
		result := tx.Model(&models.QueueJob{}).
			Where("id = ? AND status = ?", job.ID, previous).
			Select("*").
			Omit("id", "created_at").
			Updates(&job)
		if result.Error != nil {
			return fmt.Errorf("cancelling queue job: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			cancelled = &job
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// ReleaseStale returns running jobs locked before cutoff to the queue, or
// fails them when no attempts remain. It returns the affected jobs.
func (r *queueJobRepo) ReleaseStale(ctx context.Context, queue string, cutoff time.Time) ([]*models.QueueJob, error) {
	var stale []*models.QueueJob
	err := r.db.WithContext(ctx).
		Where("queue = ? AND status = ? AND locked_at < ?", queue, models.QueueJobStatusRunning, cutoff.UTC()).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("finding stale jobs: %w", err)
	}

	released := make([]*models.QueueJob, 0, len(stale))
	for _, job := range stale {
		holder := job.LockedBy
		job.MarkFailed(fmt.Errorf("lock held by %s went stale", holder))
		if job.CanRetry() {
			job.ScheduleRetry()
		}

		result := r.db.WithContext(ctx).Model(&models.QueueJob{}).
			Where("id = ? AND status = ? AND locked_by = ? AND attempt_count = ?",
				job.ID, models.QueueJobStatusRunning, holder, job.AttemptCount).
			Select("*").
			Omit("id", "created_at").
			Updates(job)
		if result.Error != nil {
			return released, fmt.Errorf("releasing stale job: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			released = append(released, job)
		}
	}
	return released, nil
}

// DeleteFinishedBefore deletes finished jobs of a queue completed before cutoff.
func (r *queueJobRepo) DeleteFinishedBefore(ctx context.Context, queue string, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("queue = ? AND status IN ? AND completed_at < ?", queue, finishedStatuses, cutoff.UTC()).
		Delete(&models.QueueJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteFinishedExceeding keeps the newest keep finished jobs of a queue and
// deletes the rest.
func (r *queueJobRepo) DeleteFinishedExceeding(ctx context.Context, queue string, keep int) (int64, error) {
	var ids []models.ULID
	err := r.db.WithContext(ctx).Model(&models.QueueJob{}).
		Where("queue = ? AND status IN ?", queue, finishedStatuses).
		Order("completed_at DESC, id DESC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("selecting finished jobs: %w", err)
	}
	if len(ids) <= keep {
		return 0, nil
	}
	ids = ids[keep:]

	var deleted int64
	for chunk := range slices.Chunk(ids, deleteBatchSize) {
		result := r.db.WithContext(ctx).Where("id IN ?", chunk).Delete(&models.QueueJob{})
		if result.Error != nil {
			return deleted, fmt.Errorf("deleting excess finished jobs: %w", result.Error)
		}
		deleted += result.RowsAffected
	}
	return deleted, nil
}

// GetHistory retrieves attempt history of a queue with pagination, newest first.
func (r *queueJobRepo) GetHistory(ctx context.Context, queue string, offset, limit int) ([]*models.QueueJobHistory, int64, error) {
	var history []*models.QueueJobHistory
	var total int64

	query := r.db.WithContext(ctx).Model(&models.QueueJobHistory{})
	if queue != "" {
		query = query.Where("queue = ?", queue)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting queue job history: %w", err)
	}

	if err := query.Order("completed_at DESC, id DESC").Offset(offset).Limit(limit).Find(&history).Error; err != nil {
		return nil, 0, fmt.Errorf("getting queue job history: %w", err)
	}

	return history, total, nil
}

// DeleteHistory deletes history records of a queue completed before cutoff.
func (r *queueJobRepo) DeleteHistory(ctx context.Context, queue string, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("queue = ? AND completed_at < ?", queue, cutoff.UTC()).
		Delete(&models.QueueJobHistory{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting queue job history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// deleteBatchSize bounds the IN list of a single delete statement.
const deleteBatchSize = 500

var finishedStatuses = []models.QueueJobStatus{
	models.QueueJobStatusCompleted,
	models.QueueJobStatusFailed,
	models.QueueJobStatusCancelled,
}

// Ensure queueJobRepo implements QueueJobRepository at compile time.
var _ QueueJobRepository = (*queueJobRepo)(nil)
