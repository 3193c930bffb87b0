package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TranscodeStatus represents the lifecycle state of a transcode job.
type TranscodeStatus string

const (
	// TranscodeStatusQueued indicates the job is waiting for a worker.
	TranscodeStatusQueued TranscodeStatus = "queued"
	// TranscodeStatusProcessing indicates a subprocess is running for the job.
	TranscodeStatusProcessing TranscodeStatus = "processing"
	// TranscodeStatusCompleted indicates the subprocess exited cleanly.
	TranscodeStatusCompleted TranscodeStatus = "completed"
	// TranscodeStatusFailed indicates the subprocess could not be spawned or exited abnormally.
	TranscodeStatusFailed TranscodeStatus = "failed"
	// TranscodeStatusCancelled indicates the job was cancelled on request.
	TranscodeStatusCancelled TranscodeStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s TranscodeStatus) IsTerminal() bool {
	return s == TranscodeStatusCompleted || s == TranscodeStatusFailed || s == TranscodeStatusCancelled
}

// Valid reports whether s is a known status.
func (s TranscodeStatus) Valid() bool {
	switch s {
	case TranscodeStatusQueued, TranscodeStatusProcessing, TranscodeStatusCompleted,
		TranscodeStatusFailed, TranscodeStatusCancelled:
		return true
	}
	return false
}

// Step labels reported in Progress.CurrentStep.
const (
	StepQueued      = "queued"
	StepStarting    = "starting"
	StepTranscoding = "transcoding"
	StepFinalizing  = "finalizing"
	StepCompleted   = "completed"
	StepRetrying    = "retrying"
)

// Invocation holds the launch parameters of a transcode. It is immutable once
// the job has been created.
type Invocation struct {
	// InputPath is the source media file.
	InputPath string `json:"input_path,omitempty"`
	// OutputDir receives the playlist and segments.
	OutputDir string `json:"output_dir,omitempty"`
	// Binary overrides the detected ffmpeg binary.
	Binary string `json:"binary,omitempty"`
	// Args, when set, is used as the full argument vector instead of the
	// generated HLS command.
	Args []string `json:"args,omitempty"`

	VideoCodec   string `json:"video_codec,omitempty"`
	AudioCodec   string `json:"audio_codec,omitempty"`
	VideoPreset  string `json:"video_preset,omitempty"`
	VideoBitrate int    `json:"video_bitrate_kbps,omitempty"`
	AudioBitrate int    `json:"audio_bitrate_kbps,omitempty"`

	// SegmentSeconds is the target HLS segment duration.
	SegmentSeconds int `json:"segment_seconds,omitempty"`
	// CleanupInput removes InputPath after a successful transcode.
	CleanupInput bool `json:"cleanup_input,omitempty"`
}

// Validate checks that the invocation can be launched.
func (inv Invocation) Validate() error {
	if len(inv.Args) > 0 {
		return nil
	}
	if strings.TrimSpace(inv.InputPath) == "" {
		return ErrInputRequired
	}
	if strings.TrimSpace(inv.OutputDir) == "" {
		return ErrOutputDirRequired
	}
	if inv.SegmentSeconds < 0 {
		return ErrValidation{Field: "segment_seconds", Message: "must be non-negative"}
	}
	return nil
}

// Progress is the derived view of a running subprocess.
type Progress struct {
	Percent         int      `json:"percent"`
	EtaSeconds      *float64 `json:"eta_seconds"`
	CurrentTime     float64  `json:"current_time"`
	Duration        float64  `json:"duration"`
	SpeedMultiplier float64  `json:"speed_multiplier"`
	SizeKB          int64    `json:"size_kb,omitempty"`
	CurrentStep     string   `json:"current_step,omitempty"`
}

// JobError describes why a transcode failed.
type JobError struct {
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Message  string `json:"message"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	switch {
	case e.ExitCode != nil:
		return fmt.Sprintf("exit code %d: %s", *e.ExitCode, e.Message)
	case e.Signal != "":
		return fmt.Sprintf("signal %s: %s", e.Signal, e.Message)
	default:
		return e.Message
	}
}

// OutputInfo summarises a completed transcode.
type OutputInfo struct {
	Playlist      string   `json:"playlist"`
	SegmentCount  int      `json:"segment_count"`
	TotalDuration float64  `json:"total_duration"`
	Codecs        []string `json:"codecs,omitempty"`
	PeakRSSBytes  uint64   `json:"peak_rss_bytes,omitempty"`
	AvgCPUPercent float64  `json:"avg_cpu_percent,omitempty"`
}

// TranscodeJob is a point-in-time snapshot of one media item's transcode.
// Snapshots handed out by a store are never mutated; writers Clone, apply a
// transition, and replace.
type TranscodeJob struct {
	ID         string          `json:"id"`
	Invocation Invocation      `json:"invocation"`
	Status     TranscodeStatus `json:"status"`
	Progress   Progress        `json:"progress"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Error     *JobError `json:"error,omitempty"`
	LastError string    `json:"last_error,omitempty"`

	Attempt     int         `json:"attempt"`
	MaxAttempts int         `json:"max_attempts,omitempty"`
	Output      *OutputInfo `json:"output,omitempty"`
}

// NewTranscodeJob creates a queued job.
func NewTranscodeJob(id string, inv Invocation, now time.Time) *TranscodeJob {
	return &TranscodeJob{
		ID:         id,
		Invocation: inv,
		Status:     TranscodeStatusQueued,
		Progress:   Progress{CurrentStep: StepQueued},
		QueuedAt:   now,
	}
}

// IsTerminal reports whether the job has reached a final state.
func (j *TranscodeJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// TerminalAt returns the time the job reached its final state, or nil.
func (j *TranscodeJob) TerminalAt() *time.Time {
	switch j.Status {
	case TranscodeStatusCompleted:
		return j.CompletedAt
	case TranscodeStatusFailed:
		return j.FailedAt
	case TranscodeStatusCancelled:
		return j.CancelledAt
	}
	return nil
}

// Clone returns a deep copy.
func (j *TranscodeJob) Clone() *TranscodeJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Invocation.Args = slices.Clone(j.Invocation.Args)
	c.Progress.EtaSeconds = clonePtr(j.Progress.EtaSeconds)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.FailedAt = clonePtr(j.FailedAt)
	c.CancelledAt = clonePtr(j.CancelledAt)
	if j.Error != nil {
		e := *j.Error
		e.ExitCode = clonePtr(j.Error.ExitCode)
		c.Error = &e
	}
	if j.Output != nil {
		o := *j.Output
		o.Codecs = slices.Clone(j.Output.Codecs)
		c.Output = &o
	}
	return &c
}

// MarkProcessing moves a queued job to processing.
func (j *TranscodeJob) MarkProcessing(now time.Time) error {
	if j.Status != TranscodeStatusQueued {
		return j.transitionErr(TranscodeStatusProcessing)
	}
	j.Status = TranscodeStatusProcessing
	j.StartedAt = &now
	j.Progress = Progress{CurrentStep: StepStarting}
	j.Error = nil
	j.Attempt++
	return nil
}

// ApplyProgress merges a progress sample into a processing job. Percent never
// regresses and stays below 100 until completion.
func (j *TranscodeJob) ApplyProgress(p Progress) error {
	if j.Status != TranscodeStatusProcessing {
		return j.transitionErr(TranscodeStatusProcessing)
	}
	percent := min(p.Percent, 99)
	if percent < j.Progress.Percent {
		percent = j.Progress.Percent
	}
	if p.CurrentStep == "" {
		p.CurrentStep = j.Progress.CurrentStep
	}
	p.Percent = percent
	p.EtaSeconds = clonePtr(p.EtaSeconds)
	j.Progress = p
	return nil
}

// SetStep updates only the step label of a processing job.
func (j *TranscodeJob) SetStep(step string) error {
	if j.Status != TranscodeStatusProcessing {
		return j.transitionErr(TranscodeStatusProcessing)
	}
	j.Progress.CurrentStep = step
	return nil
}

// MarkCompleted moves a processing job to completed.
func (j *TranscodeJob) MarkCompleted(now time.Time, out *OutputInfo) error {
	if j.Status != TranscodeStatusProcessing {
		return j.transitionErr(TranscodeStatusCompleted)
	}
	zero := 0.0
	j.Status = TranscodeStatusCompleted
	j.Progress.Percent = 100
	j.Progress.EtaSeconds = &zero
	j.Progress.CurrentStep = StepCompleted
	if j.Progress.Duration > 0 {
		j.Progress.CurrentTime = j.Progress.Duration
	}
	j.CompletedAt = &now
	j.Error = nil
	j.Output = out
	return nil
}

// MarkFailed moves a queued or processing job to failed. The last observed
// percent is kept.
func (j *TranscodeJob) MarkFailed(now time.Time, jobErr *JobError) error {
	if j.Status != TranscodeStatusProcessing && j.Status != TranscodeStatusQueued {
		return j.transitionErr(TranscodeStatusFailed)
	}
	j.Status = TranscodeStatusFailed
	j.Progress.EtaSeconds = nil
	j.FailedAt = &now
	j.Error = jobErr
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}
	return nil
}

// MarkCancelled moves a queued or processing job to cancelled.
func (j *TranscodeJob) MarkCancelled(now time.Time) error {
	if j.IsTerminal() {
		return j.transitionErr(TranscodeStatusCancelled)
	}
	j.Status = TranscodeStatusCancelled
	j.Progress.EtaSeconds = nil
	j.CancelledAt = &now
	return nil
}

// MarkRetrying returns a failed attempt to the queue when attempts remain.
func (j *TranscodeJob) MarkRetrying(jobErr *JobError) error {
	if j.Status != TranscodeStatusProcessing {
		return j.transitionErr(TranscodeStatusQueued)
	}
	j.Status = TranscodeStatusQueued
	j.Progress = Progress{CurrentStep: StepRetrying}
	j.StartedAt = nil
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}
	return nil
}

func (j *TranscodeJob) transitionErr(to TranscodeStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
