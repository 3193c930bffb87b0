// Package metrics exposes Prometheus instrumentation for hlsforge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transcode metrics
var (
	TranscodeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsforge_transcode_jobs_total",
			Help: "Transcode attempts by outcome",
		},
		[]string{"outcome"}, // completed, failed, retried, cancelled
	)

	TranscodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsforge_transcode_duration_seconds",
			Help:    "Wall time of ffmpeg runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"outcome"},
	)

	TranscodesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsforge_transcodes_in_flight",
			Help: "Number of ffmpeg processes currently running",
		},
	)

	ProgressUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hlsforge_progress_updates_total",
			Help: "Progress records written to the job store",
		},
	)

	TranscodePeakRSSBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hlsforge_transcode_peak_rss_bytes",
			Help:    "Peak resident memory of completed ffmpeg runs",
			Buckets: prometheus.ExponentialBuckets(32<<20, 2, 8),
		},
	)
)

// Job store metrics
var (
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hlsforge_jobs",
			Help: "Jobs held in the state store by status",
		},
		[]string{"status"},
	)

	SweptJobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hlsforge_swept_jobs_total",
			Help: "Terminal jobs removed by the cleanup sweep",
		},
	)

	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsforge_sweep_runs_total",
			Help: "Scheduled maintenance task runs by task and result",
		},
		[]string{"task", "result"},
	)
)

// Queue metrics
var (
	QueueSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsforge_queue_submissions_total",
			Help: "Queue submissions by queue and result",
		},
		[]string{"queue", "result"}, // accepted, duplicate, rejected
	)

	QueueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsforge_queue_jobs_total",
			Help: "Durable queue job executions by queue and status",
		},
		[]string{"queue", "status"},
	)

	QueueStaleRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsforge_queue_stale_recovered_total",
			Help: "Durable queue jobs released after their lock went stale",
		},
		[]string{"queue"},
	)
)

// Notification metrics
var (
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsforge_notifications_total",
			Help: "Notification deliveries by event and result",
		},
		[]string{"event", "result"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	TokenChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsforge_token_checks_total",
			Help: "Capability token verifications by result",
		},
		[]string{"result"}, // allowed, denied
	)
)
