// Package notify delivers transcode lifecycle events through the durable
// "notify" queue. Each event is retried independently of the transcode that
// produced it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/hlsforge/internal/httpclient"
	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/queue"
	"github.com/jmylchreest/hlsforge/internal/repository"
)

// QueueName is the durable queue carrying notifications.
const QueueName = "notify"

// Defaults for the notification queue.
const (
	DefaultConcurrency = 5
	DefaultMaxAttempts = 5
	DefaultBackoff     = 2 * time.Second
)

// EventType names a notification.
type EventType string

const (
	EventCompleted EventType = "transcode.completed"
	EventFailed    EventType = "transcode.failed"
	EventCancelled EventType = "transcode.cancelled"
	// EventExhausted is the alert raised when a distributed transcode has
	// used all of its attempts.
	EventExhausted EventType = "transcode.exhausted"
)

// Event is the body of one notification.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	JobID      string                 `json:"job_id"`
	Status     models.TranscodeStatus `json:"status"`
	OccurredAt time.Time              `json:"occurred_at"`
	Attempt    int                    `json:"attempt,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Output     *models.OutputInfo     `json:"output,omitempty"`
}

// Key is the idempotency key of the event: one delivery per event type,
// job and terminal instant.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.Type, e.JobID, e.OccurredAt.UnixNano())
}

// NewEvent builds an event of type t describing job.
func NewEvent(t EventType, job *models.TranscodeJob) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       t,
		JobID:      job.ID,
		Status:     job.Status,
		OccurredAt: models.Now(),
		Attempt:    job.Attempt,
		Output:     job.Output,
	}
	if at := job.TerminalAt(); at != nil {
		ev.OccurredAt = *at
	}
	if job.Error != nil {
		ev.Error = job.Error.Error()
	} else if job.Status == models.TranscodeStatusFailed {
		ev.Error = job.LastError
	}
	return ev
}

// EventFor maps a terminal snapshot to its event. It returns false for jobs
// that have not finished.
func EventFor(job *models.TranscodeJob) (Event, bool) {
	if job == nil {
		return Event{}, false
	}
	switch job.Status {
	case models.TranscodeStatusCompleted:
		return NewEvent(EventCompleted, job), true
	case models.TranscodeStatusFailed:
		return NewEvent(EventFailed, job), true
	case models.TranscodeStatusCancelled:
		return NewEvent(EventCancelled, job), true
	default:
		return Event{}, false
	}
}

// Sender delivers one event. Errors wrapped with queue.Permanent are not
// retried.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Config tunes the notification queue.
type Config struct {
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	Runner      queue.RunnerConfig
}

// Notifier publishes events to the notify queue and delivers them with a
// Sender.
type Notifier struct {
	durable *queue.Durable
	sender  Sender
	logger  *slog.Logger
}

// New creates a notifier over repo. A nil sender logs events instead.
func New(repo repository.QueueJobRepository, cfg Config, sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		sender = NewLogSender(logger)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	cfg.Runner.WorkerCount = cfg.Concurrency

	n := &Notifier{
		sender: sender,
		logger: observability.WithComponent(logger, "notify"),
	}
	n.durable = queue.NewDurable(repo, queue.DurableConfig{
		Name:        QueueName,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		Runner:      cfg.Runner,
	}, queue.HandlerFunc(n.deliver), logger).OnExhausted(n.dropped)
	return n
}

// Durable exposes the underlying queue for status and history queries.
func (n *Notifier) Durable() *queue.Durable { return n.durable }

// Publish enqueues ev. Publishing the same event twice while the first is
// still pending is a no-op.
func (n *Notifier) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, created, err := n.durable.Enqueue(ctx, ev.Key(), ev)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return fmt.Errorf("publishing %s for %s: %w", ev.Type, ev.JobID, err)
	}
	if created {
		n.logger.Debug("notification queued",
			slog.String("event", string(ev.Type)),
			slog.String("job_id", ev.JobID),
		)
	}
	return nil
}

// OnTerminal is a Future continuation publishing the event for a finished
// job. Jobs abandoned by a queue shutdown are not reported.
func (n *Notifier) OnTerminal(job *models.TranscodeJob, err error) error {
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		return err
	}
	ev, ok := EventFor(job)
	if !ok {
		return nil
	}
	return n.Publish(context.Background(), ev)
}

// Exhausted publishes the alert for a transcode with no attempts left. It
// matches queue.TranscodeExhaustedFunc.
func (n *Notifier) Exhausted(ctx context.Context, job *models.TranscodeJob) {
	if err := n.Publish(ctx, NewEvent(EventExhausted, job)); err != nil {
		n.logger.Error("publishing exhaustion alert failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Prune removes delivered and dropped notifications per the runner limits.
func (n *Notifier) Prune(ctx context.Context) (int64, error) {
	return n.durable.Prune(ctx)
}

// Start begins delivery.
func (n *Notifier) Start(ctx context.Context) error {
	return n.durable.Start(ctx)
}

// Stop halts delivery. Undelivered events stay queued.
func (n *Notifier) Stop() {
	n.durable.Stop()
}

func (n *Notifier) deliver(ctx context.Context, job *models.QueueJob) (string, error) {
	ev, err := queue.DecodePayload[Event](job)
	if err != nil {
		return "", err
	}

	if err := n.sender.Send(ctx, ev); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return "", queue.Permanent(err)
		}
		return "", err
	}

	metrics.NotificationsTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
	return string(ev.Type), nil
}

func (n *Notifier) dropped(_ context.Context, job *models.QueueJob) {
	n.logger.Error("notification dropped",
		slog.String("key", job.Key),
		slog.Int("attempts", job.AttemptCount),
		slog.String("error", job.LastError),
	)
}
