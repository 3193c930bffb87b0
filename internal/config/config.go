// Package config provides configuration management for hlsforge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HLSFORGE_SERVER_PORT.
const EnvPrefix = "HLSFORGE"

// Queue modes.
const (
	QueueModeLocal       = "local"
	QueueModeDistributed = "distributed"
)

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultSegmentSeconds    = 6
	defaultLocalDelay        = time.Second
	defaultMaxAttempts       = 3
	defaultRetryBackoff      = 5 * time.Second
	defaultPollInterval      = time.Second
	defaultStaleAfter        = 6 * time.Hour
	defaultPruneAge          = 7 * 24 * time.Hour
	defaultPruneKeep         = 1000
	defaultNotifyConcurrency = 5
	defaultNotifyAttempts    = 5
	defaultNotifyBackoff     = 2 * time.Second
	defaultNotifyTimeout     = 10 * time.Second
	defaultTokenTTL          = 600 * time.Second
	defaultSweepHorizon      = 24 * time.Hour
	defaultProgressInterval  = 2 * time.Second
	defaultMaxUploadSize     = 4 << 30
)

// DefaultRedactFields are masked in log output when logging.redact_fields is unset.
var DefaultRedactFields = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential"}

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Progress ProgressConfig `mapstructure:"progress"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Token    TokenConfig    `mapstructure:"token"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests/second per client, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	OutputDir string `mapstructure:"output_dir"`
	TempDir   string `mapstructure:"temp_dir"`
	// MaxUploadSize rejects submissions whose input file is larger. Zero disables.
	MaxUploadSize ByteSize `mapstructure:"max_upload_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
	// RedactFields lists attribute keys whose values never reach the output.
	RedactFields []string `mapstructure:"redact_fields"`
}

// FFmpegConfig holds ffmpeg binary and encoding defaults.
type FFmpegConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"` // empty = auto-detect
	VideoCodec      string        `mapstructure:"video_codec"`
	AudioCodec      string        `mapstructure:"audio_codec"`
	Preset          string        `mapstructure:"preset"`
	SegmentSeconds  int           `mapstructure:"segment_seconds"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"` // 0 disables resource sampling
}

// ProgressConfig controls how often progress reaches the job store.
type ProgressConfig struct {
	MinPercentStep int           `mapstructure:"min_percent_step"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
}

// QueueConfig selects and tunes the transcode queue.
type QueueConfig struct {
	Mode         string        `mapstructure:"mode"` // local, distributed
	LocalDelay   time.Duration `mapstructure:"local_delay"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaleAfter   Duration      `mapstructure:"stale_after"`
	PruneAge     Duration      `mapstructure:"prune_age"`
	PruneKeep    int           `mapstructure:"prune_keep"`
	// SingleInstance allows distributed mode without Redis for one process
	// that still wants durable retries.
	SingleInstance bool `mapstructure:"single_instance"`
}

// NotifyConfig configures the notification queue and webhook delivery.
type NotifyConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	WebhookURL    string        `mapstructure:"webhook_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	RateLimit     float64       `mapstructure:"rate_limit"` // deliveries/second, 0 = unlimited
}

// RedisConfig enables the shared job state store.
type RedisConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Addr        string   `mapstructure:"addr"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	KeyPrefix   string   `mapstructure:"key_prefix"`
	TerminalTTL Duration `mapstructure:"terminal_ttl"` // 0 = rely on the sweep only
}

// TokenConfig configures capability tokens.
type TokenConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
	// Scope namespaces the per-media token scope, "<scope>:<mediaId>".
	Scope  string        `mapstructure:"scope"`
}

// SweepConfig schedules removal of old terminal jobs.
type SweepConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Schedule string   `mapstructure:"schedule"` // cron expression or descriptor
	Horizon  Duration `mapstructure:"horizon"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Example: HLSFORGE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlsforge")
		v.AddConfigPath("$HOME/.hlsforge")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the settings already loaded into v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook decodes human durations and sizes into Duration and ByteSize,
// alongside the conversions viper applies by default.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		numberToUnitHook(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// numberToUnitHook lets defaults set as time.Duration or int reach the
// Duration and ByteSize fields unchanged.
func numberToUnitHook() mapstructure.DecodeHookFuncType {
	durType := reflect.TypeOf(Duration(0))
	sizeType := reflect.TypeOf(ByteSize(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durType && to != sizeType {
			return data, nil
		}
		switch v := data.(type) {
		case time.Duration:
			if to == durType {
				return Duration(v), nil
			}
		case int:
			if to == sizeType {
				return ByteSize(v), nil
			}
			return Duration(v), nil
		case int64:
			if to == sizeType {
				return ByteSize(v), nil
			}
			return Duration(v), nil
		}
		return data, nil
	}
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", 0) // SSE streams outlive any fixed timeout
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "hlsforge.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.output_dir", "output")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.max_upload_size", defaultMaxUploadSize)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.redact_fields", DefaultRedactFields)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.video_codec", "libx264")
	v.SetDefault("ffmpeg.audio_codec", "aac")
	v.SetDefault("ffmpeg.preset", "veryfast")
	v.SetDefault("ffmpeg.segment_seconds", defaultSegmentSeconds)
	v.SetDefault("ffmpeg.monitor_interval", 5*time.Second)

	v.SetDefault("progress.min_percent_step", 1)
	v.SetDefault("progress.min_interval", defaultProgressInterval)

	v.SetDefault("queue.mode", QueueModeLocal)
	v.SetDefault("queue.local_delay", defaultLocalDelay)
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.max_attempts", defaultMaxAttempts)
	v.SetDefault("queue.retry_backoff", defaultRetryBackoff)
	v.SetDefault("queue.poll_interval", defaultPollInterval)
	v.SetDefault("queue.stale_after", defaultStaleAfter)
	v.SetDefault("queue.prune_age", defaultPruneAge)
	v.SetDefault("queue.prune_keep", defaultPruneKeep)
	v.SetDefault("queue.single_instance", false)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_secret", "")
	v.SetDefault("notify.timeout", defaultNotifyTimeout)
	v.SetDefault("notify.concurrency", defaultNotifyConcurrency)
	v.SetDefault("notify.max_attempts", defaultNotifyAttempts)
	v.SetDefault("notify.retry_backoff", defaultNotifyBackoff)
	v.SetDefault("notify.rate_limit", 10.0)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "hlsforge:")
	v.SetDefault("redis.terminal_ttl", 0)

	v.SetDefault("token.secret", "")
	v.SetDefault("token.ttl", defaultTokenTTL)
	v.SetDefault("token.scope", "hls")

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@hourly")
	v.SetDefault("sweep.horizon", defaultSweepHorizon)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.FFmpeg.SegmentSeconds < 1 {
		return fmt.Errorf("ffmpeg.segment_seconds must be at least 1")
	}

	if c.Progress.MinPercentStep < 1 {
		return fmt.Errorf("progress.min_percent_step must be at least 1")
	}
	if c.Progress.MinInterval <= 0 {
		return fmt.Errorf("progress.min_interval must be positive")
	}

	switch c.Queue.Mode {
	case QueueModeLocal, QueueModeDistributed:
	default:
		return fmt.Errorf("queue.mode must be one of: local, distributed")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.PruneKeep < 0 {
		return fmt.Errorf("queue.prune_keep must not be negative")
	}
	// Job snapshots live in the store; without Redis another process can
	// claim a job it has no snapshot for.
	if c.Queue.Mode == QueueModeDistributed && !c.Redis.Enabled && !c.Queue.SingleInstance {
		return fmt.Errorf("queue.mode distributed requires redis.enabled, or queue.single_instance for one process")
	}

	if c.Notify.Concurrency < 1 {
		return fmt.Errorf("notify.concurrency must be at least 1")
	}
	if c.Notify.MaxAttempts < 1 {
		return fmt.Errorf("notify.max_attempts must be at least 1")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Token.TTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}
	if strings.Contains(c.Token.Scope, "|") {
		return fmt.Errorf("token.scope must not contain '|'")
	}

	if c.Sweep.Enabled && c.Sweep.Horizon.Duration() <= 0 {
		return fmt.Errorf("sweep.horizon must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OutputPath returns the directory receiving HLS renditions.
func (c *StorageConfig) OutputPath() string {
	return filepath.Join(c.BaseDir, c.OutputDir)
}

// TempPath returns the directory holding uploaded inputs.
func (c *StorageConfig) TempPath() string {
	return filepath.Join(c.BaseDir, c.TempDir)
}
