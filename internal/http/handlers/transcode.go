package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/queue"
)

// mediaIDPattern restricts media ids to values that are safe as directory
// and token field names.
var mediaIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// SubmitHook is called with the future of every accepted submission.
type SubmitHook func(f *queue.Future)

// TranscodeHandler exposes the transcode queue.
type TranscodeHandler struct {
	queue             queue.Queue
	store             jobstore.Store
	outputRoot        string
	inputRoot         string
	onSubmit          SubmitHook
	maxInputSize      int64
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewTranscodeHandler creates a transcode handler. Output directories default
// to outputRoot/<mediaId> and relative input paths resolve under inputRoot.
func NewTranscodeHandler(q queue.Queue, store jobstore.Store, outputRoot, inputRoot string, logger *slog.Logger) *TranscodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscodeHandler{
		queue:             q,
		store:             store,
		outputRoot:        outputRoot,
		inputRoot:         inputRoot,
		heartbeatInterval: 30 * time.Second,
		logger:            logger,
	}
}

// OnSubmit sets a hook receiving the future of each accepted submission.
func (h *TranscodeHandler) OnSubmit(fn SubmitHook) *TranscodeHandler {
	h.onSubmit = fn
	return h
}

// WithMaxInputSize rejects inputs larger than n bytes. Zero disables the check.
func (h *TranscodeHandler) WithMaxInputSize(n int64) *TranscodeHandler {
	h.maxInputSize = n
	return h
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *TranscodeHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// Register registers the transcode routes with the API.
func (h *TranscodeHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submitTranscode",
		Method:        "POST",
		Path:          "/api/v1/transcodes",
		Summary:       "Submit transcode",
		Description:   "Queues an HLS transcode for a media item. Resubmitting an active media id returns the existing job.",
		Tags:          []string{"Transcodes"},
		DefaultStatus: http.StatusAccepted,
	}, h.Submit)

	huma.Register(api, huma.Operation{
		OperationID: "listTranscodes",
		Method:      "GET",
		Path:        "/api/v1/transcodes",
		Summary:     "List transcodes",
		Description: "Returns every known transcode job",
		Tags:        []string{"Transcodes"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getTranscode",
		Method:      "GET",
		Path:        "/api/v1/transcodes/{mediaId}",
		Summary:     "Get transcode",
		Description: "Returns the current snapshot of a transcode job",
		Tags:        []string{"Transcodes"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelTranscode",
		Method:      "POST",
		Path:        "/api/v1/transcodes/{mediaId}/cancel",
		Summary:     "Cancel transcode",
		Description: "Cancels a queued or running transcode",
		Tags:        []string{"Transcodes"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "cleanupTranscodes",
		Method:      "POST",
		Path:        "/api/v1/transcodes/cleanup",
		Summary:     "Clean up transcodes",
		Description: "Removes finished jobs older than the given age",
		Tags:        []string{"Transcodes"},
	}, h.Cleanup)
}

// RegisterSSE registers the progress stream on a chi router.
// Huma doesn't support SSE streaming natively.
func (h *TranscodeHandler) RegisterSSE(router chi.Router) {
	router.Get("/api/v1/transcodes/{mediaId}/events", h.handleEvents)
}

// SubmitTranscodeRequest is the request body for a submission.
type SubmitTranscodeRequest struct {
	MediaID        string `json:"media_id" doc:"Media identifier; one active job per id" pattern:"^[A-Za-z0-9_.-]{1,128}$"`
	InputPath      string `json:"input_path" doc:"Source file; relative paths resolve under the temp directory" minLength:"1"`
	OutputDir      string `json:"output_dir,omitempty" doc:"Output directory; defaults to <output>/<media_id>"`
	VideoCodec     string `json:"video_codec,omitempty" doc:"Video encoder override"`
	AudioCodec     string `json:"audio_codec,omitempty" doc:"Audio encoder override"`
	VideoPreset    string `json:"video_preset,omitempty" doc:"Encoder preset override"`
	VideoBitrate   int    `json:"video_bitrate_kbps,omitempty" minimum:"0"`
	AudioBitrate   int    `json:"audio_bitrate_kbps,omitempty" minimum:"0"`
	SegmentSeconds int    `json:"segment_seconds,omitempty" minimum:"0" maximum:"60"`
	CleanupInput   bool   `json:"cleanup_input,omitempty" doc:"Delete the input after a successful transcode"`
}

// SubmitTranscodeInput is the input for submitting a transcode.
type SubmitTranscodeInput struct {
	Body SubmitTranscodeRequest
}

// TranscodeOutput wraps a single job snapshot.
type TranscodeOutput struct {
	Body TranscodeResponse
}

// Submit queues a transcode.
func (h *TranscodeHandler) Submit(ctx context.Context, input *SubmitTranscodeInput) (*TranscodeOutput, error) {
	req := input.Body
	if !mediaIDPattern.MatchString(req.MediaID) {
		return nil, huma.Error422UnprocessableEntity("invalid media_id")
	}

	inv := models.Invocation{
		InputPath:      h.resolveInput(req.InputPath),
		OutputDir:      req.OutputDir,
		VideoCodec:     req.VideoCodec,
		AudioCodec:     req.AudioCodec,
		VideoPreset:    req.VideoPreset,
		VideoBitrate:   req.VideoBitrate,
		AudioBitrate:   req.AudioBitrate,
		SegmentSeconds: req.SegmentSeconds,
		CleanupInput:   req.CleanupInput,
	}
	if inv.OutputDir == "" {
		inv.OutputDir = filepath.Join(h.outputRoot, req.MediaID)
	}
	if err := h.checkInputSize(inv.InputPath); err != nil {
		return nil, err
	}

	future, err := h.queue.Submit(ctx, req.MediaID, inv)
	switch {
	case err == nil:
	case errors.Is(err, jobstore.ErrActive):
		return nil, huma.Error409Conflict("media already has an active transcode", err)
	case errors.Is(err, queue.ErrClosed):
		return nil, huma.Error503ServiceUnavailable("transcode queue is shutting down", err)
	case isValidation(err):
		return nil, huma.Error422UnprocessableEntity(err.Error(), err)
	default:
		return nil, huma.Error500InternalServerError("failed to submit transcode", err)
	}

	if h.onSubmit != nil {
		h.onSubmit(future)
	}

	snap, err := h.queue.Get(ctx, req.MediaID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load submitted transcode", err)
	}
	return &TranscodeOutput{Body: TranscodeFromModel(snap)}, nil
}

// resolveInput anchors relative input paths under the temp directory.
func (h *TranscodeHandler) resolveInput(p string) string {
	if p == "" || filepath.IsAbs(p) || h.inputRoot == "" {
		return p
	}
	return filepath.Join(h.inputRoot, p)
}

// checkInputSize leaves a missing input to fail in the worker, where the
// job records it.
func (h *TranscodeHandler) checkInputSize(p string) error {
	if h.maxInputSize <= 0 || p == "" {
		return nil
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return nil
	}
	if info.Size() > h.maxInputSize {
		return huma.NewError(http.StatusRequestEntityTooLarge, fmt.Sprintf("input is %d bytes, limit is %d", info.Size(), h.maxInputSize))
	}
	return nil
}

func isValidation(err error) bool {
	var v models.ErrValidation
	return errors.As(err, &v) ||
		errors.Is(err, models.ErrInputRequired) ||
		errors.Is(err, models.ErrOutputDirRequired)
}

// ListTranscodesInput is the input for listing transcodes.
type ListTranscodesInput struct {
	Status string `query:"status" doc:"Filter by status"`
}

// ListTranscodesOutput is the output for listing transcodes.
type ListTranscodesOutput struct {
	Body struct {
		Transcodes []TranscodeResponse `json:"transcodes"`
		Counts     map[string]int      `json:"counts"`
	}
}

// List returns every job, oldest submission first.
func (h *TranscodeHandler) List(ctx context.Context, input *ListTranscodesInput) (*ListTranscodesOutput, error) {
	jobs, err := h.queue.All(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list transcodes", err)
	}

	resp := &ListTranscodesOutput{}
	resp.Body.Transcodes = make([]TranscodeResponse, 0, len(jobs))
	resp.Body.Counts = make(map[string]int)
	for status, n := range jobstore.CountByStatus(jobs) {
		resp.Body.Counts[string(status)] = n
	}
	for _, j := range jobs {
		if input.Status != "" && string(j.Status) != input.Status {
			continue
		}
		resp.Body.Transcodes = append(resp.Body.Transcodes, TranscodeFromModel(j))
	}
	sort.Slice(resp.Body.Transcodes, func(a, b int) bool {
		ta, tb := resp.Body.Transcodes[a], resp.Body.Transcodes[b]
		if ta.QueuedAt.Equal(tb.QueuedAt) {
			return ta.MediaID < tb.MediaID
		}
		return ta.QueuedAt.Before(tb.QueuedAt)
	})
	return resp, nil
}

// TranscodeIDInput addresses one media id.
type TranscodeIDInput struct {
	MediaID string `path:"mediaId" doc:"Media identifier"`
}

// Get returns one job.
func (h *TranscodeHandler) Get(ctx context.Context, input *TranscodeIDInput) (*TranscodeOutput, error) {
	snap, err := h.queue.Get(ctx, input.MediaID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, huma.Error404NotFound("transcode not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get transcode", err)
	}
	return &TranscodeOutput{Body: TranscodeFromModel(snap)}, nil
}

// CancelTranscodeOutput is the output for cancelling a transcode.
type CancelTranscodeOutput struct {
	Body struct {
		Cancelled bool `json:"cancelled" doc:"False when no active job existed"`
	}
}

// Cancel stops a queued or running job.
func (h *TranscodeHandler) Cancel(ctx context.Context, input *TranscodeIDInput) (*CancelTranscodeOutput, error) {
	ok, err := h.queue.Cancel(ctx, input.MediaID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to cancel transcode", err)
	}
	resp := &CancelTranscodeOutput{}
	resp.Body.Cancelled = ok
	return resp, nil
}

// CleanupTranscodesInput is the input for a manual cleanup.
type CleanupTranscodesInput struct {
	OlderThanHours int `query:"older_than_hours" default:"24" minimum:"0" doc:"Minimum age of finished jobs to remove"`
}

// CleanupTranscodesOutput is the output for a manual cleanup.
type CleanupTranscodesOutput struct {
	Body struct {
		Removed int `json:"removed"`
	}
}

// Cleanup removes terminal jobs older than the given age.
func (h *TranscodeHandler) Cleanup(ctx context.Context, input *CleanupTranscodesInput) (*CleanupTranscodesOutput, error) {
	n, err := h.queue.CleanupOlderThan(ctx, time.Duration(input.OlderThanHours)*time.Hour)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to clean up transcodes", err)
	}
	resp := &CleanupTranscodesOutput{}
	resp.Body.Removed = n
	return resp, nil
}

// handleEvents streams snapshots of one job as server-sent events. The
// stream opens with the current snapshot and closes after a terminal one.
func (h *TranscodeHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "mediaId")

	// Subscribe before reading the current snapshot so no transition is lost.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := h.store.Subscribe(subCtx)
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	current, err := h.store.Get(ctx, id)
	if errors.Is(err, jobstore.ErrNotFound) {
		http.Error(w, "transcode not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to get transcode", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	if _, err := fmt.Fprint(w, ":connected\n\n"); err != nil {
		return
	}
	if !h.send(w, rc, current) {
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			// Catch a terminal snapshot the subscription missed.
			snap, err := h.store.Get(ctx, id)
			if err != nil || !snap.IsTerminal() || !newerSnapshot(current, snap) {
				continue
			}
			current = snap
			if !h.send(w, rc, snap) {
				return
			}
		case snap, ok := <-events:
			if !ok {
				return
			}
			if snap.ID != id || !newerSnapshot(current, snap) {
				continue
			}
			current = snap
			if !h.send(w, rc, snap) {
				return
			}
		}
	}
}

// newerSnapshot reports whether snap may follow last on an event stream.
// Snapshots of an earlier submission are stale, and within one submission a
// non-terminal snapshot never lowers the percent already sent.
func newerSnapshot(last, snap *models.TranscodeJob) bool {
	if snap.QueuedAt.Before(last.QueuedAt) {
		return false
	}
	if snap.QueuedAt.After(last.QueuedAt) {
		return true
	}
	if last.IsTerminal() {
		return false
	}
	return snap.IsTerminal() || snap.Progress.Percent >= last.Progress.Percent
}

// send writes snap as a progress event, followed by a done event when the
// job is terminal. It reports whether the stream should continue.
func (h *TranscodeHandler) send(w http.ResponseWriter, rc *http.ResponseController, snap *models.TranscodeJob) bool {
	data, err := json.Marshal(TranscodeFromModel(snap))
	if err != nil {
		h.logger.Error("failed to marshal transcode event", slog.String("job_id", snap.ID), slog.Any("error", err))
		return false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event: progress\ndata: %s\n\n", data)
	if snap.IsTerminal() {
		fmt.Fprintf(&b, "event: done\ndata: {\"status\":%q}\n\n", snap.Status)
	}
	if _, err := fmt.Fprint(w, b.String()); err != nil {
		return false
	}
	if err := rc.Flush(); err != nil {
		h.logger.Debug("event flush failed, client likely disconnected", slog.String("job_id", snap.ID))
		return false
	}
	return !snap.IsTerminal()
}
