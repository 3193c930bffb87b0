// Package handlers provides HTTP API handlers for hlsforge.
package handlers

import (
	"time"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// Common response types

// Pagination contains pagination parameters for list requests.
type Pagination struct {
	Page  int `query:"page" default:"1" minimum:"1" doc:"Page number (1-indexed)"`
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Items per page"`
}

// Offset returns the number of items before the requested page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

// NewPaginationMeta builds the metadata for a page of total items.
func NewPaginationMeta(p Pagination, total int64) PaginationMeta {
	pages := total / int64(p.Limit)
	if total%int64(p.Limit) != 0 {
		pages++
	}
	return PaginationMeta{
		CurrentPage: p.Page,
		PageSize:    p.Limit,
		TotalItems:  total,
		TotalPages:  pages,
	}
}

// Transcode types

// TranscodeResponse represents a transcode job in API responses. Launch
// arguments are not exposed.
type TranscodeResponse struct {
	MediaID     string             `json:"media_id"`
	Status      string             `json:"status"`
	Progress    models.Progress    `json:"progress"`
	InputPath   string             `json:"input_path,omitempty"`
	OutputDir   string             `json:"output_dir,omitempty"`
	QueuedAt    time.Time          `json:"queued_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	FailedAt    *time.Time         `json:"failed_at,omitempty"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
	Error       *models.JobError   `json:"error,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts,omitempty"`
	Output      *models.OutputInfo `json:"output,omitempty"`
}

// TranscodeFromModel converts a job snapshot to a response.
func TranscodeFromModel(j *models.TranscodeJob) TranscodeResponse {
	return TranscodeResponse{
		MediaID:     j.ID,
		Status:      string(j.Status),
		Progress:    j.Progress,
		InputPath:   j.Invocation.InputPath,
		OutputDir:   j.Invocation.OutputDir,
		QueuedAt:    j.QueuedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		FailedAt:    j.FailedAt,
		CancelledAt: j.CancelledAt,
		Error:       j.Error,
		LastError:   j.LastError,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		Output:      j.Output,
	}
}

// Queue types

// QueueHistoryResponse represents one finished attempt of a durable queue job.
type QueueHistoryResponse struct {
	ID            models.ULID `json:"id"`
	JobID         models.ULID `json:"job_id"`
	Key           string      `json:"key"`
	Status        string      `json:"status"`
	AttemptNumber int         `json:"attempt_number"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	DurationMs    int64       `json:"duration_ms,omitempty"`
	Error         string      `json:"error,omitempty"`
	Result        string      `json:"result,omitempty"`
}

// QueueHistoryFromModel converts a history row to a response.
func QueueHistoryFromModel(h *models.QueueJobHistory) QueueHistoryResponse {
	return QueueHistoryResponse{
		ID:            h.ID,
		JobID:         h.JobID,
		Key:           h.Key,
		Status:        string(h.Status),
		AttemptNumber: h.AttemptNumber,
		StartedAt:     h.StartedAt,
		CompletedAt:   h.CompletedAt,
		DurationMs:    h.DurationMs,
		Error:         h.Error,
		Result:        h.Result,
	}
}
