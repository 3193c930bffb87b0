// Package scheduler runs periodic maintenance for hlsforge on a cron
// schedule: the age-based sweep of finished transcodes and pruning of the
// durable queues.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/observability"
)

// DefaultSchedule runs the sweep at the top of every hour.
const DefaultSchedule = "@hourly"

var (
	// ErrAlreadyStarted is returned by Start on a running sweeper.
	ErrAlreadyStarted = errors.New("sweeper already started")
	// ErrNoTasks is returned by Start when nothing was registered.
	ErrNoTasks = errors.New("sweeper has no tasks")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron validates a cron expression or descriptor such as "@hourly".
func ValidateCron(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Task is one unit of periodic maintenance. It returns the number of
// records it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Cleaner removes finished transcodes older than an age.
type Cleaner interface {
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// Pruner removes finished durable queue records.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// CleanupTask sweeps terminal transcodes older than horizon from q.
func CleanupTask(q Cleaner, horizon time.Duration) Task {
	return Task{
		Name: "transcode-cleanup",
		Run: func(ctx context.Context) (int, error) {
			return q.CleanupOlderThan(ctx, horizon)
		},
	}
}

// PruneTask prunes the durable queue p.
func PruneTask(name string, p Pruner) Task {
	return Task{
		Name: name,
		Run: func(ctx context.Context) (int, error) {
			n, err := p.Prune(ctx)
			return int(n), err
		},
	}
}

// Sweeper runs its tasks, in order, on a cron schedule. A run still in
// progress when the next one is due causes that next run to be skipped.
type Sweeper struct {
	mu sync.Mutex

	schedule string
	tasks    []Task
	logger   *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper for schedule, a five-field cron expression
// or a descriptor.
func NewSweeper(schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateCron(schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		schedule: schedule,
		logger:   observability.WithComponent(logger, "sweeper"),
	}, nil
}

// Add registers tasks. It must be called before Start.
func (s *Sweeper) Add(tasks ...Task) *Sweeper {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, tasks...)
	return s
}

// Start schedules the tasks until ctx ends or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}
	if len(s.tasks) == 0 {
		return ErrNoTasks
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.schedule, func() { _ = s.RunNow(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel

	s.logger.Info("sweeper started",
		slog.String("schedule", s.schedule),
		slog.Int("tasks", len(s.tasks)),
		slog.Time("next_run", s.nextLocked()),
	)
	return nil
}

// Stop stops scheduling and waits for a run in progress to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Next returns the next scheduled run, or the zero time when stopped.
func (s *Sweeper) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Sweeper) nextLocked() time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunNow runs every task once. A failing task is logged and does not stop
// the others; the joined errors are returned.
func (s *Sweeper) RunNow(ctx context.Context) error {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	var errs []error
	for _, task := range tasks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		removed, err := task.Run(ctx)
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues(task.Name, "error").Inc()
			s.logger.Error("sweep task failed",
				slog.String("task", task.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
			continue
		}
		metrics.SweepRunsTotal.WithLabelValues(task.Name, "success").Inc()
		s.logger.Info("sweep task completed",
			slog.String("task", task.Name),
			slog.Int("removed", removed),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return errors.Join(errs...)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
