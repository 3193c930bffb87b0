package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/database"
	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/hls"
	internalhttp "github.com/jmylchreest/hlsforge/internal/http"
	"github.com/jmylchreest/hlsforge/internal/http/handlers"
	"github.com/jmylchreest/hlsforge/internal/httpclient"
	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/metrics"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/notify"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/queue"
	"github.com/jmylchreest/hlsforge/internal/repository"
	"github.com/jmylchreest/hlsforge/internal/scheduler"
	"github.com/jmylchreest/hlsforge/internal/storage"
	"github.com/jmylchreest/hlsforge/internal/token"
	"github.com/jmylchreest/hlsforge/internal/version"
	"github.com/jmylchreest/hlsforge/internal/worker"
)

const (
	metricsInterval = 15 * time.Second
	dbStatsInterval = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hlsforge server",
	Long: `Start the hlsforge HTTP server, transcode queue, and notifier.

The server provides:
- REST API for submitting, inspecting, and cancelling transcodes
- SSE progress streams at /api/v1/transcodes/{mediaId}/events
- Token-gated HLS delivery under /media/
- Health probes, Prometheus metrics at /metrics, and OpenAPI docs at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "hlsforge.db", "Database DSN (file path for sqlite)")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for inputs and renditions")
	serveCmd.Flags().String("queue-mode", config.QueueModeLocal, "Queue mode (local, distributed)")
	serveCmd.Flags().String("ffmpeg", "", "Path to the ffmpeg binary (default: search PATH)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
	mustBindPFlag("queue.mode", serveCmd.Flags().Lookup("queue-mode"))
	mustBindPFlag("ffmpeg.binary_path", serveCmd.Flags().Lookup("ffmpeg"))
}

// transcodeStatuses are the gauges exported by the metrics collector.
var transcodeStatuses = []string{
	string(models.TranscodeStatusQueued),
	string(models.TranscodeStatusProcessing),
	string(models.TranscodeStatusCompleted),
	string(models.TranscodeStatusFailed),
	string(models.TranscodeStatusCancelled),
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.Default()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	outputFiles, err := storage.NewSandbox(cfg.Storage.OutputPath())
	if err != nil {
		return fmt.Errorf("initializing output storage: %w", err)
	}
	uploadFiles, err := storage.NewSandbox(cfg.Storage.TempPath())
	if err != nil {
		return fmt.Errorf("initializing upload storage: %w", err)
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	db.StartStatsMonitor(ctx, dbStatsInterval)

	repo := repository.NewQueueJobRepository(db.DB)

	store, storeHealth, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	detector := ffmpeg.NewBinaryDetector().WithPath(cfg.FFmpeg.BinaryPath)
	if info, err := detector.Detect(ctx); err != nil {
		logger.Warn("ffmpeg not available: transcodes will fail until it is installed", slog.String("error", err.Error()))
	} else {
		logger.Info("using ffmpeg", slog.String("path", info.FFmpegPath), slog.String("version", info.Version))
	}

	w := worker.New(store, detector, worker.Config{
		VideoCodec:      cfg.FFmpeg.VideoCodec,
		AudioCodec:      cfg.FFmpeg.AudioCodec,
		Preset:          cfg.FFmpeg.Preset,
		SegmentSeconds:  cfg.FFmpeg.SegmentSeconds,
		MonitorInterval: cfg.FFmpeg.MonitorInterval,
		MinPercentStep:  cfg.Progress.MinPercentStep,
		MinInterval:     cfg.Progress.MinInterval,
	}, logger).WithInspector(hls.Inspect)

	notifier, webhookClient := newNotifier(cfg, repo, logger)

	runnerCfg := queue.RunnerConfig{
		WorkerCount:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		StaleAfter:   cfg.Queue.StaleAfter.Duration(),
		PruneAge:     cfg.Queue.PruneAge.Duration(),
		PruneKeep:    cfg.Queue.PruneKeep,
	}

	var (
		q        queue.Queue
		durables []*queue.Durable
	)
	switch cfg.Queue.Mode {
	case config.QueueModeDistributed:
		if !cfg.Redis.Enabled {
			logger.Info("distributed queue limited to this process", slog.Bool("single_instance", cfg.Queue.SingleInstance))
		}
		d := queue.NewDistributed(store, w, repo, queue.DurableConfig{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff:     cfg.Queue.RetryBackoff,
			Runner:      runnerCfg,
		}, logger)
		if notifier != nil {
			d.OnExhausted(notifier.Exhausted)
		}
		q = d
		durables = append(durables, d.Durable())
	default:
		q = queue.NewLocal(store, w, cfg.Queue.LocalDelay, logger)
	}
	if notifier != nil {
		durables = append(durables, notifier.Durable())
	}

	if notifier != nil {
		if err := notifier.Start(ctx); err != nil {
			return fmt.Errorf("starting notifier: %w", err)
		}
		defer notifier.Stop()
	}

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("starting transcode queue: %w", err)
	}
	// Stopped before the notifier so terminal events still reach it.
	defer q.Stop()

	if cfg.Sweep.Enabled {
		sweeper, err := scheduler.NewSweeper(cfg.Sweep.Schedule, logger)
		if err != nil {
			return fmt.Errorf("creating sweeper: %w", err)
		}
		sweeper.Add(scheduler.CleanupTask(q, cfg.Sweep.Horizon.Duration()))
		sweeper.Add(scheduler.Task{
			Name: "upload-cleanup",
			Run: func(ctx context.Context) (int, error) {
				return storage.CleanupOrphans(ctx, uploadFiles, cfg.Sweep.Horizon.Duration(), activeInputs(q), logger)
			},
		})
		for _, d := range durables {
			sweeper.Add(scheduler.PruneTask(d.Name()+"-prune", d))
		}
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	collector := metrics.NewCollector(queue.NewStats(q), metricsInterval, transcodeStatuses, logger)
	collector.Start(ctx)
	defer collector.Stop()

	issuer := token.NewIssuer(cfg.Token.Secret)
	if cfg.Token.Secret == "" {
		logger.Warn("token.secret is empty: token issuing and media delivery are disabled")
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	transcodeHandler := handlers.NewTranscodeHandler(q, store, outputFiles.BaseDir(), uploadFiles.BaseDir(), logger).
		WithMaxInputSize(cfg.Storage.MaxUploadSize.Bytes())
	if notifier != nil {
		transcodeHandler.OnSubmit(func(f *queue.Future) {
			f.Then(notifier.OnTerminal)
		})
	}
	transcodeHandler.Register(server.API())
	transcodeHandler.RegisterSSE(server.Router())

	handlers.NewTokenHandler(issuer, cfg.Token.Scope, cfg.Token.TTL).Register(server.API())
	handlers.NewMediaHandler(issuer, outputFiles, cfg.Token.Scope, cfg.Token.TTL, logger).
		RegisterRoutes(server.Router())

	queueHandler := handlers.NewQueueHandler(durables...)
	queueHandler.Register(server.API())

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithQueues(queueHandler).
		WithFFmpeg(detector)
	if storeHealth != nil {
		healthHandler.WithStore(storeHealth)
	}
	if webhookClient != nil {
		healthHandler.WithWebhookClient(webhookClient)
	}
	healthHandler.Register(server.API())

	logger.Info("starting hlsforge server",
		slog.String("address", cfg.Server.Address()),
		slog.String("queue_mode", cfg.Queue.Mode),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("notify", notifier != nil),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

// activeInputs lists the inputs of unfinished jobs so the upload sweep
// leaves them alone.
func activeInputs(q queue.Queue) storage.InUseFunc {
	return func(ctx context.Context) (map[string]bool, error) {
		jobs, err := q.All(ctx)
		if err != nil {
			return nil, err
		}
		inputs := make(map[string]bool)
		for _, job := range jobs {
			if !job.Status.IsTerminal() && job.Invocation.InputPath != "" {
				inputs[job.Invocation.InputPath] = true
			}
		}
		return inputs, nil
	}
}

// openStore returns the job state store and, for Redis, a health pinger.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (jobstore.Store, handlers.Pinger, func(), error) {
	if !cfg.Redis.Enabled {
		return jobstore.NewMemoryStore(), nil, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closeClient := func() {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			logger.Warn("closing redis client", slog.String("error", err.Error()))
		}
	}

	store := jobstore.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Redis.TerminalTTL.Duration(), logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		closeClient()
		return nil, nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}

	observability.WithComponent(logger, "jobstore").Info("using redis job store",
		slog.String("addr", cfg.Redis.Addr),
		slog.String("prefix", cfg.Redis.KeyPrefix),
	)
	return store, store, closeClient, nil
}

// newNotifier builds the notification queue, or returns nil when disabled.
// Without a webhook URL events are logged.
func newNotifier(cfg *config.Config, repo repository.QueueJobRepository, logger *slog.Logger) (*notify.Notifier, *httpclient.Client) {
	if !cfg.Notify.Enabled {
		return nil, nil
	}

	var (
		sender notify.Sender
		client *httpclient.Client
	)
	if cfg.Notify.WebhookURL != "" {
		httpCfg := httpclient.DefaultConfig()
		httpCfg.Timeout = cfg.Notify.Timeout
		httpCfg.RateLimit = cfg.Notify.RateLimit
		httpCfg.UserAgent = version.UserAgent()
		httpCfg.Logger = observability.WithComponent(logger, "webhook")
		client = httpclient.New(httpCfg)
		sender = notify.NewWebhookSender(client, cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret)
	}

	n := notify.New(repo, notify.Config{
		Concurrency: cfg.Notify.Concurrency,
		MaxAttempts: cfg.Notify.MaxAttempts,
		Backoff:     cfg.Notify.RetryBackoff,
		Runner: queue.RunnerConfig{
			PollInterval: cfg.Queue.PollInterval,
			StaleAfter:   cfg.Queue.StaleAfter.Duration(),
			PruneAge:     cfg.Queue.PruneAge.Duration(),
			PruneKeep:    cfg.Queue.PruneKeep,
		},
	}, sender, logger)
	return n, client
}
