package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"gorm.io/gorm"

	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/httpclient"
	"github.com/jmylchreest/hlsforge/internal/queue"
)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pinger is a dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FFmpegDetector locates the ffmpeg binary; *ffmpeg.BinaryDetector
// satisfies it.
type FFmpegDetector interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
	store     Pinger
	queues    *QueueHandler
	webhook   *httpclient.Client
	ffmpeg    FFmpegDetector
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithStore sets the shared job store checked for readiness.
func (h *HealthHandler) WithStore(store Pinger) *HealthHandler {
	h.store = store
	return h
}

// WithQueues reports the durable queue runners.
func (h *HealthHandler) WithQueues(queues *QueueHandler) *HealthHandler {
	h.queues = queues
	return h
}

// WithWebhookClient reports the webhook circuit breaker.
func (h *HealthHandler) WithWebhookClient(client *httpclient.Client) *HealthHandler {
	h.webhook = client
	return h
}

// WithFFmpeg reports the ffmpeg binary the workers run.
func (h *HealthHandler) WithFFmpeg(detector FFmpegDetector) *HealthHandler {
	h.ffmpeg = detector
	return h
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	SystemLoad    float64           `json:"system_load"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo reports load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo reports system and process memory.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo reports the memory of this process and its children,
// which include running ffmpeg subprocesses.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
	ChildProcessCount  int     `json:"child_process_count"`
}

// HealthComponents groups per-dependency health.
type HealthComponents struct {
	Database       DatabaseHealth        `json:"database"`
	JobStore       ComponentHealth       `json:"job_store"`
	Queues         []queue.RunnerStatus  `json:"queues,omitempty"`
	CircuitBreaker *CircuitBreakerStatus `json:"circuit_breaker,omitempty"`
	FFmpeg         *FFmpegHealth         `json:"ffmpeg,omitempty"`
}

// FFmpegHealth reports the detected ffmpeg binary.
type FFmpegHealth struct {
	Status  string `json:"status"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ComponentHealth is the health of a dependency without further detail.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DatabaseHealth reports database reachability and pool usage.
type DatabaseHealth struct {
	Status                 string  `json:"status"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ResponseTimeStatus     string  `json:"response_time_status"`
	ConnectionPoolSize     int     `json:"connection_pool_size"`
	ActiveConnections      int     `json:"active_connections"`
	IdleConnections        int     `json:"idle_connections"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
}

// CircuitBreakerStatus reports the webhook circuit breaker.
type CircuitBreakerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// ProbeInput is the input for the liveness and readiness probes.
type ProbeInput struct{}

// ProbeOutput is the output for the liveness and readiness probes.
type ProbeOutput struct {
	Status int
	Body   struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "livez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.Livez)

	huma.Register(api, huma.Operation{
		OperationID: "readyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns 503 while the database or job store is unreachable",
		Tags:        []string{"System"},
	}, h.Readyz)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	cpuInfo := h.getCPUInfo()
	dbHealth := h.getDatabaseHealth(ctx)
	storeHealth := h.getStoreHealth(ctx)

	components := HealthComponents{
		Database: dbHealth,
		JobStore: storeHealth,
	}
	if h.queues != nil {
		components.Queues = h.queues.Statuses(ctx)
	}
	if h.webhook != nil {
		components.CircuitBreaker = &CircuitBreakerStatus{
			Name:  "webhook",
			State: h.webhook.CircuitState().String(),
		}
	}

	checks := map[string]string{
		"database":  dbHealth.Status,
		"job_store": storeHealth.Status,
	}
	if h.ffmpeg != nil {
		components.FFmpeg = h.getFFmpegHealth(ctx)
		checks["ffmpeg"] = components.FFmpeg.Status
	}

	status := StatusHealthy
	switch {
	case dbHealth.Status == "error" || storeHealth.Status == "error":
		status = StatusUnhealthy
	case components.CircuitBreaker != nil && components.CircuitBreaker.State == httpclient.CircuitOpen.String():
		status = StatusDegraded
	case components.FFmpeg != nil && components.FFmpeg.Status == "error":
		status = StatusDegraded
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			SystemLoad:    cpuInfo.LoadPercentage1Min / 100,
			CPUInfo:       cpuInfo,
			Memory:        h.getMemoryInfo(),
			Components:    components,
			Checks:        checks,
		},
	}, nil
}

// Livez reports that the process is serving requests.
func (h *HealthHandler) Livez(_ context.Context, _ *ProbeInput) (*ProbeOutput, error) {
	out := &ProbeOutput{Status: http.StatusOK}
	out.Body.Status = "ok"
	return out, nil
}

// Readyz reports whether the dependencies needed to accept work respond.
func (h *HealthHandler) Readyz(ctx context.Context, _ *ProbeInput) (*ProbeOutput, error) {
	out := &ProbeOutput{Status: http.StatusOK}
	out.Body.Status = "ok"
	out.Body.Checks = map[string]string{
		"database":  h.getDatabaseHealth(ctx).Status,
		"job_store": h.getStoreHealth(ctx).Status,
	}
	for _, s := range out.Body.Checks {
		if s == "error" {
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "unavailable"
		}
	}
	return out, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.FreeMemoryMB = float64(vmStat.Free) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	swapStat, err := mem.SwapMemory()
	if err == nil && swapStat != nil {
		info.SwapTotalMB = float64(swapStat.Total) / 1024 / 1024
		info.SwapUsedMB = float64(swapStat.Used) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)
	return info
}

// getProcessMemoryInfo returns the memory of this process and its children.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}

	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB
		if totalSystemMB > 0 {
			info.PercentageOfSystem = (info.MainProcessMB / totalSystemMB) * 100
		}
	}

	children, err := proc.Children()
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfo()
			if err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}
	return info
}

// getDatabaseHealth pings the database and reports pool usage.
func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{Status: "ok", ResponseTimeStatus: "healthy"}

	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}

	stats := sqlDB.Stats()
	health.ConnectionPoolSize = stats.MaxOpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle
	if stats.MaxOpenConnections > 0 {
		health.PoolUtilizationPercent = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		health.Status = "error"
		health.ResponseTimeStatus = "error"
	} else if health.ResponseTimeMS > 100 {
		health.ResponseTimeStatus = "slow"
	}
	return health
}

// getStoreHealth pings the shared job store. An in-memory store has
// nothing to ping and is always ok.
func (h *HealthHandler) getStoreHealth(ctx context.Context) ComponentHealth {
	if h.store == nil {
		return ComponentHealth{Status: "ok"}
	}
	if err := h.store.Ping(ctx); err != nil {
		return ComponentHealth{Status: "error", Error: err.Error()}
	}
	return ComponentHealth{Status: "ok"}
}

func (h *HealthHandler) getFFmpegHealth(ctx context.Context) *FFmpegHealth {
	info, err := h.ffmpeg.Detect(ctx)
	if err != nil {
		return &FFmpegHealth{Status: "error", Error: err.Error()}
	}
	return &FFmpegHealth{Status: "ok", Path: info.FFmpegPath, Version: info.Version}
}
