// Package worker runs one ffmpeg process per dequeued transcode job and
// records its progress and outcome in the job store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/observability"
)

var (
	// ErrInterrupted describes an attempt stopped by worker shutdown.
	ErrInterrupted = errors.New("transcode interrupted by shutdown")
	// ErrSuperseded is returned by store writes of an attempt whose job was
	// replaced by a newer submission under the same id.
	ErrSuperseded = errors.New("job superseded by a newer submission")
)

// stderrTail is the number of trailing stderr lines kept in a failure message.
const stderrTail = 5

// BinaryResolver locates the ffmpeg executable.
type BinaryResolver interface {
	Path() (string, error)
}

// InspectFunc summarises a finished HLS rendition from its playlist path.
type InspectFunc func(ctx context.Context, playlist string) (*models.OutputInfo, error)

// Config holds encoding and progress defaults applied to every run.
type Config struct {
	VideoCodec      string
	AudioCodec      string
	Preset          string
	SegmentSeconds  int
	MonitorInterval time.Duration
	MinPercentStep  int
	MinInterval     time.Duration
}

// Attempt describes the attempt being run.
type Attempt struct {
	// Final is true when a failure must be terminal rather than requeued.
	Final bool
}

// Outcome is the result of one Run.
type Outcome struct {
	// Job is the snapshot after the run, nil if the job vanished.
	Job *models.TranscodeJob
	// Err describes the failure of this attempt, if any.
	Err *models.JobError
	// Retry is true when the job was returned to the queue.
	Retry bool
	// Superseded is true when the job was cancelled and resubmitted while
	// this attempt ran. Job is nil and the new submission was left alone.
	Superseded bool
}

// Status returns the status of the resulting snapshot.
func (o Outcome) Status() models.TranscodeStatus {
	if o.Job == nil {
		return ""
	}
	return o.Job.Status
}

// Worker drives ffmpeg subprocesses for queued jobs.
type Worker struct {
	store   jobstore.Store
	binary  BinaryResolver
	cfg     Config
	inspect InspectFunc
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running map[string]*inflight
}

// inflight is one running attempt. gen is the QueuedAt of the submission it
// started, and every write it makes is checked against it.
type inflight struct {
	id     string
	gen    time.Time
	cancel context.CancelFunc
	killed atomic.Bool
}

// guard wraps fn so it only applies to the submission this attempt owns.
func (r *inflight) guard(fn jobstore.UpdateFunc) jobstore.UpdateFunc {
	return func(j *models.TranscodeJob) error {
		if !j.QueuedAt.Equal(r.gen) {
			return ErrSuperseded
		}
		return fn(j)
	}
}

// New creates a worker writing to store.
func New(store jobstore.Store, binary BinaryResolver, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		binary:  binary,
		cfg:     cfg,
		logger:  observability.WithComponent(logger, "worker"),
		now:     models.Now,
		running: make(map[string]*inflight),
	}
}

// WithInspector sets the function used to summarise completed output.
func (w *Worker) WithInspector(fn InspectFunc) *Worker {
	w.inspect = fn
	return w
}

// WithClock overrides the time source.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Cancel kills the process running for id on this worker, if any.
func (w *Worker) Cancel(id string) bool {
	w.mu.Lock()
	r, ok := w.running[id]
	w.mu.Unlock()
	if ok {
		r.killed.Store(true)
		r.cancel()
	}
	return ok
}

// Running reports whether a process for id is running on this worker.
func (w *Worker) Running(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.running[id]
	return ok
}

// Run executes one attempt of the job stored under id. The returned error
// reports store failures only; transcode failures are described by the
// Outcome. A job cancelled before or during the run yields a cancelled
// snapshot and no error. Writes after the start only touch the submission
// that was started, so a resubmit racing a kill is never failed or
// completed by the old process.
func (w *Worker) Run(ctx context.Context, id string, attempt Attempt) (Outcome, error) {
	// Terminal writes must land even if ctx is cancelled mid-run.
	storeCtx := context.WithoutCancel(ctx)
	logger := observability.WithJobID(w.logger, id)

	job, err := w.store.Update(storeCtx, id, func(j *models.TranscodeJob) error {
		return j.MarkProcessing(w.now())
	})
	if errors.Is(err, jobstore.ErrTerminal) {
		current, getErr := w.store.Get(storeCtx, id)
		if getErr != nil {
			return Outcome{}, getErr
		}
		logger.Info("job finished before start", slog.String("status", string(current.Status)))
		return Outcome{Job: current}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("starting job %s: %w", id, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &inflight{id: id, gen: job.QueuedAt, cancel: cancel}
	w.track(r)
	defer w.untrack(r)

	metrics.TranscodesInFlight.Inc()
	defer metrics.TranscodesInFlight.Dec()

	started := time.Now()
	cmd, playlist, err := w.command(job.Invocation)
	if err != nil {
		return w.fail(storeCtx, logger, r, attempt, &models.JobError{Message: err.Error()}, started)
	}

	logger.Info("starting transcode",
		slog.Int("attempt", job.Attempt),
		slog.String("command", cmd.String()),
	)

	lines, err := cmd.Start(runCtx)
	if err != nil {
		return w.fail(storeCtx, logger, r, attempt, &models.JobError{Message: err.Error()}, started)
	}

	var monitor *ffmpeg.ProcessMonitor
	if w.cfg.MonitorInterval > 0 {
		monitor = ffmpeg.NewProcessMonitor(cmd.Pid(), w.cfg.MonitorInterval)
		monitor.Start(runCtx)
	}

	cancelled := w.consume(storeCtx, logger, r, lines, w.now())

	status := ffmpeg.ClassifyExit(cmd.Wait())
	var stats ffmpeg.ProcessStats
	if monitor != nil {
		stats = monitor.Stop()
	}

	if cancelled || r.killed.Load() {
		return w.cancelled(storeCtx, logger, r, started)
	}

	// Shutdown interrupted the process; hand the job back for another run.
	if ctx.Err() != nil {
		return w.fail(storeCtx, logger, r, Attempt{Final: false}, &models.JobError{Message: ErrInterrupted.Error()}, started)
	}

	if !status.Success() {
		jobErr := exitError(status, cmd.LastLines(stderrTail))
		return w.fail(storeCtx, logger, r, attempt, jobErr, started)
	}

	out := w.output(runCtx, logger, job.Invocation, playlist)
	if out != nil && stats.Samples > 0 {
		out.PeakRSSBytes = stats.PeakRSSBytes
		out.AvgCPUPercent = stats.AvgCPUPercent
		metrics.TranscodePeakRSSBytes.Observe(float64(stats.PeakRSSBytes))
	}

	done, err := w.store.Update(storeCtx, id, r.guard(func(j *models.TranscodeJob) error {
		return j.MarkCompleted(w.now(), out)
	}))
	if errors.Is(err, jobstore.ErrTerminal) || errors.Is(err, ErrSuperseded) {
		return w.cancelled(storeCtx, logger, r, started)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("completing job %s: %w", id, err)
	}

	w.observe("completed", started)
	logger.Info("transcode completed", slog.Duration("duration", time.Since(started)))

	if job.Invocation.CleanupInput {
		if err := ffmpeg.RemoveInput(job.Invocation.InputPath); err != nil {
			logger.Warn("input cleanup failed", slog.String("error", err.Error()))
		}
	}

	return Outcome{Job: done}, nil
}

// command builds the process for inv. playlist is empty when the output
// location is unknown.
func (w *Worker) command(inv models.Invocation) (*ffmpeg.Command, string, error) {
	binary := inv.Binary
	if binary == "" {
		if w.binary == nil {
			return nil, "", errors.New("no ffmpeg binary configured")
		}
		path, err := w.binary.Path()
		if err != nil {
			return nil, "", fmt.Errorf("locating ffmpeg: %w", err)
		}
		binary = path
	}

	if inv.OutputDir != "" {
		if err := os.MkdirAll(inv.OutputDir, 0o755); err != nil {
			return nil, "", fmt.Errorf("creating output dir: %w", err)
		}
	}

	if len(inv.Args) > 0 {
		var playlist string
		if inv.OutputDir != "" {
			playlist, _ = ffmpeg.HLSOutput(inv.OutputDir)
		}
		return ffmpeg.NewCommand(binary, inv.Args...), playlist, nil
	}

	segments := inv.SegmentSeconds
	if segments == 0 {
		segments = w.cfg.SegmentSeconds
	}
	playlist, pattern := ffmpeg.HLSOutput(inv.OutputDir)

	cmd := ffmpeg.NewCommandBuilder(binary).
		HideBanner().
		Overwrite().
		Stats().
		Input(inv.InputPath).
		VideoCodec(firstNonEmpty(inv.VideoCodec, w.cfg.VideoCodec)).
		VideoPreset(firstNonEmpty(inv.VideoPreset, w.cfg.Preset)).
		VideoBitrate(inv.VideoBitrate).
		AudioCodec(firstNonEmpty(inv.AudioCodec, w.cfg.AudioCodec)).
		AudioBitrate(inv.AudioBitrate).
		VODHLSArgs(segments, pattern).
		Output(playlist).
		Build()
	return cmd, playlist, nil
}

// consume feeds stderr into the tracker until the process closes it. It
// returns true if the job was cancelled or superseded while running.
func (w *Worker) consume(
	ctx context.Context,
	logger *slog.Logger,
	r *inflight,
	lines <-chan string,
	start time.Time,
) bool {
	tracker := NewTracker(start, w.cfg.MinPercentStep, w.cfg.MinInterval)
	cancelled := false

	for line := range lines {
		if cancelled {
			continue
		}
		p, ok := tracker.Feed(line, w.now())
		if !ok {
			continue
		}
		_, err := w.store.Update(ctx, r.id, r.guard(func(j *models.TranscodeJob) error {
			return j.ApplyProgress(p)
		}))
		switch {
		case errors.Is(err, jobstore.ErrTerminal), errors.Is(err, ErrSuperseded):
			cancelled = true
			r.cancel()
		case err != nil:
			logger.Warn("progress update failed", slog.String("error", err.Error()))
		default:
			metrics.ProgressUpdatesTotal.Inc()
		}
	}

	if !cancelled {
		current, err := w.store.Get(ctx, r.id)
		if err == nil && (current.Status == models.TranscodeStatusCancelled || !current.QueuedAt.Equal(r.gen)) {
			cancelled = true
		}
	}
	return cancelled
}

func (w *Worker) output(ctx context.Context, logger *slog.Logger, inv models.Invocation, playlist string) *models.OutputInfo {
	if playlist == "" {
		return nil
	}
	if _, err := os.Stat(playlist); err != nil {
		return nil
	}
	if w.inspect == nil {
		return &models.OutputInfo{Playlist: filepath.Base(playlist)}
	}
	out, err := w.inspect(ctx, playlist)
	if err != nil {
		logger.Warn("inspecting output failed",
			slog.String("playlist", playlist),
			slog.String("error", err.Error()),
		)
		return &models.OutputInfo{Playlist: filepath.Base(playlist)}
	}
	return out
}

func (w *Worker) fail(
	ctx context.Context,
	logger *slog.Logger,
	r *inflight,
	attempt Attempt,
	jobErr *models.JobError,
	started time.Time,
) (Outcome, error) {
	if r.killed.Load() {
		return w.cancelled(ctx, logger, r, started)
	}
	retry := !attempt.Final
	job, err := w.store.Update(ctx, r.id, r.guard(func(j *models.TranscodeJob) error {
		if retry {
			return j.MarkRetrying(jobErr)
		}
		return j.MarkFailed(w.now(), jobErr)
	}))
	if errors.Is(err, jobstore.ErrTerminal) || errors.Is(err, ErrSuperseded) {
		return w.cancelled(ctx, logger, r, started)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failing job %s: %w", r.id, err)
	}

	if retry {
		w.observe("retried", started)
		logger.Warn("transcode attempt failed, will retry", slog.String("error", jobErr.Error()))
	} else {
		w.observe("failed", started)
		logger.Error("transcode failed", slog.String("error", jobErr.Error()))
	}
	return Outcome{Job: job, Err: jobErr, Retry: retry}, nil
}

// cancelled records a killed attempt. The store normally holds the
// cancellation already; a kill that reached the process first is recorded
// here.
func (w *Worker) cancelled(ctx context.Context, logger *slog.Logger, r *inflight, started time.Time) (Outcome, error) {
	w.observe("cancelled", started)

	job, err := w.store.Update(ctx, r.id, r.guard(func(j *models.TranscodeJob) error {
		return j.MarkCancelled(w.now())
	}))
	if errors.Is(err, jobstore.ErrTerminal) {
		job, err = w.store.Get(ctx, r.id)
		if err == nil && !job.QueuedAt.Equal(r.gen) {
			err = ErrSuperseded
		}
	}
	switch {
	case errors.Is(err, ErrSuperseded):
		logger.Info("transcode cancelled, job resubmitted since")
		return Outcome{Superseded: true}, nil
	case errors.Is(err, jobstore.ErrNotFound):
		logger.Info("transcode cancelled")
		return Outcome{}, nil
	case err != nil:
		return Outcome{}, err
	}
	logger.Info("transcode cancelled")
	return Outcome{Job: job}, nil
}

func (w *Worker) observe(outcome string, started time.Time) {
	metrics.TranscodeJobsTotal.WithLabelValues(outcome).Inc()
	metrics.TranscodeDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

func (w *Worker) track(r *inflight) {
	w.mu.Lock()
	w.running[r.id] = r
	w.mu.Unlock()
}

// untrack leaves a newer attempt for the same id in place.
func (w *Worker) untrack(r *inflight) {
	w.mu.Lock()
	if w.running[r.id] == r {
		delete(w.running, r.id)
	}
	w.mu.Unlock()
}

// exitError converts an abnormal exit into a job error.
func exitError(st ffmpeg.ExitStatus, tail string) *models.JobError {
	jobErr := &models.JobError{ExitCode: st.Code, Signal: st.Signal, Message: tail}
	if st.Err != nil {
		jobErr.Message = st.Err.Error()
	}
	if jobErr.Message == "" {
		jobErr.Message = "ffmpeg exited abnormally"
	}
	return jobErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
