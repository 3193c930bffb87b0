package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// QueueJobStatus represents the current status of a durable queue record.
type QueueJobStatus string

const (
	// QueueJobStatusPending indicates the job is waiting to be claimed.
	QueueJobStatusPending QueueJobStatus = "pending"
	// QueueJobStatusScheduled indicates the job waits for its backoff to elapse.
	QueueJobStatusScheduled QueueJobStatus = "scheduled"
	// QueueJobStatusRunning indicates a worker holds the job.
	QueueJobStatusRunning QueueJobStatus = "running"
	// QueueJobStatusCompleted indicates the handler succeeded.
	QueueJobStatusCompleted QueueJobStatus = "completed"
	// QueueJobStatusFailed indicates the handler failed and no attempts remain.
	QueueJobStatusFailed QueueJobStatus = "failed"
	// QueueJobStatusCancelled indicates the job was removed on request.
	QueueJobStatusCancelled QueueJobStatus = "cancelled"
)

// maxMessageLength bounds LastError and Result to their column size.
const maxMessageLength = 4096

// MaxBackoff caps the retry delay of any queue record.
const MaxBackoff = time.Hour

// QueueJob is a durable, claimable unit of work. Queue plus Key is the
// idempotency key: ActiveKey carries it while the job is unfinished and is
// NULL afterwards, so the unique index admits one live record per key.
type QueueJob struct {
	BaseModel

	// Queue names the logical queue, e.g. "transcode" or "notify".
	Queue string `gorm:"not null;size:50;index" json:"queue"`

	// Key identifies the unit of work within the queue.
	Key string `gorm:"column:job_key;not null;size:255;index" json:"key"`

	// ActiveKey is Queue:Key while the job is unfinished.
	ActiveKey *string `gorm:"size:320;uniqueIndex" json:"-"`

	// Payload is the handler input, JSON encoded.
	Payload string `gorm:"type:text" json:"payload,omitempty"`

	// Status indicates the current status of the job.
	Status QueueJobStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// NextRunAt is the earliest time the job may be claimed.
	NextRunAt *Time `gorm:"index" json:"next_run_at,omitempty"`

	StartedAt   *Time `json:"started_at,omitempty"`
	CompletedAt *Time `gorm:"index" json:"completed_at,omitempty"`
	DurationMs  int64 `json:"duration_ms,omitempty"`

	// AttemptCount is the number of times the job has been claimed.
	AttemptCount int `gorm:"default:0" json:"attempt_count"`

	// MaxAttempts is the total number of attempts allowed.
	MaxAttempts int `gorm:"default:3" json:"max_attempts"`

	// BackoffMs is the base retry delay; each retry doubles it.
	BackoffMs int64 `gorm:"default:5000" json:"backoff_ms"`

	LastError string `gorm:"size:4096" json:"last_error,omitempty"`
	Result    string `gorm:"size:4096" json:"result,omitempty"`

	// LockedBy is the worker ID holding the job.
	LockedBy string `gorm:"size:100;index" json:"locked_by,omitempty"`
	LockedAt *Time  `json:"locked_at,omitempty"`
}

// TableName returns the table name for QueueJob.
func (QueueJob) TableName() string {
	return "queue_jobs"
}

// ActiveKeyFor builds the unique live key for a queue record.
func ActiveKeyFor(queue, key string) string {
	return queue + ":" + key
}

// IsPending returns true if the job is waiting to run.
func (j *QueueJob) IsPending() bool {
	return j.Status == QueueJobStatusPending || j.Status == QueueJobStatusScheduled
}

// IsRunning returns true if the job is currently held by a worker.
func (j *QueueJob) IsRunning() bool {
	return j.Status == QueueJobStatusRunning
}

// IsFinished returns true if the job will not run again.
func (j *QueueJob) IsFinished() bool {
	return j.Status == QueueJobStatusCompleted || j.Status == QueueJobStatusFailed || j.Status == QueueJobStatusCancelled
}

// CanRetry returns true if a failed job has attempts left.
func (j *QueueJob) CanRetry() bool {
	return j.Status == QueueJobStatusFailed && j.AttemptCount < j.MaxAttempts
}

// IsFinalAttempt reports whether the current attempt is the last one allowed.
func (j *QueueJob) IsFinalAttempt() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// MarkRunning marks the job as claimed by workerID.
func (j *QueueJob) MarkRunning(workerID string) {
	now := Now()
	j.Status = QueueJobStatusRunning
	j.StartedAt = &now
	j.LockedBy = workerID
	j.LockedAt = &now
	j.AttemptCount++
}

// MarkCompleted marks the job as completed successfully.
func (j *QueueJob) MarkCompleted(result string) {
	j.finish(QueueJobStatusCompleted)
	j.Result = truncateMessage(result)
	j.LastError = ""
}

// MarkFailed marks the job as failed with an error message.
func (j *QueueJob) MarkFailed(err error) {
	j.finish(QueueJobStatusFailed)
	if err != nil {
		j.LastError = truncateMessage(err.Error())
	}
}

func truncateMessage(s string) string {
	if len(s) <= maxMessageLength {
		return s
	}
	return strings.ToValidUTF8(s[:maxMessageLength], "")
}

// MarkCancelled marks the job as cancelled.
func (j *QueueJob) MarkCancelled() {
	j.finish(QueueJobStatusCancelled)
}

func (j *QueueJob) finish(status QueueJobStatus) {
	now := Now()
	j.Status = status
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
	j.ActiveKey = nil
	j.LockedBy = ""
	j.LockedAt = nil
}

// CalculateNextBackoff returns base * 2^(attemptCount-1), capped at MaxBackoff.
func (j *QueueJob) CalculateNextBackoff() time.Duration {
	base := time.Duration(j.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = 5 * time.Second
	}

	attempts := max(j.AttemptCount, 1)
	if attempts > 30 {
		return MaxBackoff
	}

	backoff := base * time.Duration(1<<(attempts-1))
	if backoff > MaxBackoff || backoff <= 0 {
		backoff = MaxBackoff
	}
	return backoff
}

// ScheduleRetry puts a failed job back in line after its backoff.
func (j *QueueJob) ScheduleRetry() {
	if !j.CanRetry() {
		return
	}

	nextRun := Now().Add(j.CalculateNextBackoff())
	active := ActiveKeyFor(j.Queue, j.Key)
	j.NextRunAt = &nextRun
	j.Status = QueueJobStatusScheduled
	j.ActiveKey = &active
	j.CompletedAt = nil
}

// Release returns a running job to the queue without consuming an attempt.
func (j *QueueJob) Release() {
	now := Now()
	active := ActiveKeyFor(j.Queue, j.Key)
	j.Status = QueueJobStatusPending
	j.NextRunAt = &now
	j.ActiveKey = &active
	j.StartedAt = nil
	j.LockedBy = ""
	j.LockedAt = nil
	if j.AttemptCount > 0 {
		j.AttemptCount--
	}
}

// Validate performs basic validation on the job.
func (j *QueueJob) Validate() error {
	if j.Queue == "" {
		return ErrQueueRequired
	}
	if j.Key == "" {
		return ErrKeyRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the job, generates the ULID and
// claims the active key.
func (j *QueueJob) BeforeCreate(tx *gorm.DB) error {
	if err := j.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if err := j.Validate(); err != nil {
		return err
	}
	if !j.IsFinished() && j.ActiveKey == nil {
		active := ActiveKeyFor(j.Queue, j.Key)
		j.ActiveKey = &active
	}
	return nil
}

// QueueJobHistory stores one row per finished attempt.
type QueueJobHistory struct {
	BaseModel

	JobID         ULID           `gorm:"not null;index" json:"job_id"`
	Queue         string         `gorm:"not null;size:50;index" json:"queue"`
	Key           string         `gorm:"column:job_key;not null;size:255;index" json:"key"`
	Status        QueueJobStatus `gorm:"not null;size:20" json:"status"`
	StartedAt     *Time          `gorm:"index" json:"started_at,omitempty"`
	CompletedAt   *Time          `gorm:"index" json:"completed_at,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	AttemptNumber int            `json:"attempt_number"`
	Error         string         `gorm:"size:4096" json:"error,omitempty"`
	Result        string         `gorm:"size:4096" json:"result,omitempty"`
}

// TableName returns the table name for QueueJobHistory.
func (QueueJobHistory) TableName() string {
	return "queue_job_history"
}
