package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/database/migrations"
	"github.com/jmylchreest/hlsforge/internal/models"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestWriteConfig_HumanUnits(t *testing.T) {
	cfg := defaultConfig(t)

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg))
	assert.True(t, strings.HasPrefix(buf.String(), "# hlsforge Configuration File"))

	var out map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "1w", out["queue"]["prune_age"])
	assert.Equal(t, "1s", out["queue"]["local_delay"])
	assert.Equal(t, "4GB", out["storage"]["max_upload_size"])
	assert.Equal(t, "local", out["queue"]["mode"])
}

func TestRedactSecrets(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Token.Secret = "s3cret"
	cfg.Notify.WebhookSecret = "hook"

	out := redactSecrets(*cfg)
	assert.Equal(t, redacted, out.Token.Secret)
	assert.Equal(t, redacted, out.Notify.WebhookSecret)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "s3cret", cfg.Token.Secret)
}

func TestWriteJobs(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	jobs := []*models.QueueJob{
		{
			BaseModel:    models.BaseModel{CreatedAt: now.Add(-5 * time.Minute)},
			Key:          "movie-1",
			Status:       models.QueueJobStatusCompleted,
			AttemptCount: 1,
			MaxAttempts:  3,
			DurationMs:   1500,
		},
		{
			BaseModel:    models.BaseModel{CreatedAt: now.Add(-2 * time.Hour)},
			Key:          "movie-2",
			Status:       models.QueueJobStatusFailed,
			AttemptCount: 3,
			MaxAttempts:  3,
			LastError:    "ffmpeg exited with status 1:\n" + strings.Repeat("x", 100),
		},
	}
	counts := map[models.QueueJobStatus]int64{
		models.QueueJobStatusFailed:    1,
		models.QueueJobStatusCompleted: 1200,
	}

	var buf bytes.Buffer
	require.NoError(t, writeJobs(&buf, jobs, counts, now))
	out := buf.String()

	assert.Contains(t, out, "movie-1")
	assert.Contains(t, out, "5m ago")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "3/3")
	assert.Contains(t, out, "2h ago")
	assert.NotContains(t, out, strings.Repeat("x", 100))
	assert.Contains(t, out, "completed=1,200 failed=1")
}

func TestWriteMigrationStatus(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	applied := now.Add(-3 * 24 * time.Hour)
	statuses := []migrations.MigrationStatus{
		{Version: "001", Description: "Create durable queue tables", Applied: true, AppliedAt: &applied},
		{Version: "002", Description: "Index queue_jobs for claiming"},
	}

	var buf bytes.Buffer
	require.NoError(t, writeMigrationStatus(&buf, statuses, now))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "3d ago")
	assert.Contains(t, lines[2], "pending")
}
