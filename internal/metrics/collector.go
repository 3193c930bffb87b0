package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// StatsProvider reports job counts keyed by status.
type StatsProvider interface {
	JobCounts(ctx context.Context) (map[string]int, error)
}

// Collector periodically refreshes gauges that are cheaper to poll than to
// maintain incrementally.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	statuses []string
	logger   *slog.Logger
	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCollector creates a new metrics collector. Statuses absent from a
// snapshot are reset to zero, so every listed status is always exported.
func NewCollector(provider StatsProvider, interval time.Duration, statuses []string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		provider: provider,
		interval: interval,
		statuses: statuses,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the metrics collection loop.
func (c *Collector) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.collectLoop(ctx)
}

// Stop stops the metrics collection and waits for the loop to exit.
func (c *Collector) Stop() {
	if !c.started.Load() {
		return
	}
	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
	<-c.doneChan
}

func (c *Collector) collectLoop(ctx context.Context) {
	defer close(c.doneChan)

	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect(ctx)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	if c.provider == nil {
		return
	}

	counts, err := c.provider.JobCounts(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "collecting job counts", slog.String("error", err.Error()))
		return
	}

	for _, status := range c.statuses {
		JobsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}
