package ffmpeg

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats summarises resource usage sampled over a process lifetime.
type ProcessStats struct {
	PID           int     `json:"pid"`
	Samples       int     `json:"samples"`
	CPUPercent    float64 `json:"cpu_percent"`
	AvgCPUPercent float64 `json:"avg_cpu_percent"`
	RSSBytes      uint64  `json:"rss_bytes"`
	PeakRSSBytes  uint64  `json:"peak_rss_bytes"`
}

// ProcessMonitor samples CPU and memory of a running process.
type ProcessMonitor struct {
	pid      int
	interval time.Duration

	mu     sync.RWMutex
	stats  ProcessStats
	cpuSum float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for pid sampling every interval.
func NewProcessMonitor(pid int, interval time.Duration) *ProcessMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProcessMonitor{
		pid:      pid,
		interval: interval,
		stats:    ProcessStats{PID: pid},
	}
}

// Start begins sampling until ctx ends or Stop is called.
func (pm *ProcessMonitor) Start(ctx context.Context) {
	ctx, pm.cancel = context.WithCancel(ctx)

	proc, err := process.NewProcessWithContext(ctx, int32(pm.pid))
	if err != nil {
		return
	}

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()

		ticker := time.NewTicker(pm.interval)
		defer ticker.Stop()

		for {
			pm.sample(ctx, proc)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops sampling and returns the final statistics.
func (pm *ProcessMonitor) Stop() ProcessStats {
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.wg.Wait()
	return pm.Stats()
}

// Stats returns the statistics gathered so far.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stats
}

func (pm *ProcessMonitor) sample(ctx context.Context, proc *process.Process) {
	cpu, cpuErr := proc.CPUPercentWithContext(ctx)
	mem, memErr := proc.MemoryInfoWithContext(ctx)
	if cpuErr != nil && memErr != nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stats.Samples++
	if cpuErr == nil {
		pm.stats.CPUPercent = cpu
		pm.cpuSum += cpu
		pm.stats.AvgCPUPercent = pm.cpuSum / float64(pm.stats.Samples)
	}
	if memErr == nil && mem != nil {
		pm.stats.RSSBytes = mem.RSS
		pm.stats.PeakRSSBytes = max(pm.stats.PeakRSSBytes, mem.RSS)
	}
}
