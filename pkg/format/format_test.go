package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	assert.Equal(t, "0 B", Bytes(0))
	assert.Equal(t, "1.5 KB", Bytes(1536))
	assert.Equal(t, "2.0 MB", Bytes(2*1024*1024))
	assert.Equal(t, "1024.0 TB", Bytes(1<<50))
}

func TestNumberAndPercent(t *testing.T) {
	assert.Equal(t, "1,234,567", Number(1234567))
	assert.Equal(t, "50%", Percent(50))
	assert.Equal(t, "2.50x", Speed(2.5))
}

func TestETA(t *testing.T) {
	assert.Equal(t, "-", ETA(nil))
	v := 90.4
	assert.Equal(t, "1m30s", ETA(&v))
	zero := 0.0
	assert.Equal(t, "0s", ETA(&zero))
}

func TestRelativeTimeShort(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "soon", RelativeTimeShort(now.Add(time.Minute), now))
	assert.Equal(t, "now", RelativeTimeShort(now.Add(-10*time.Second), now))
	assert.Equal(t, "5m ago", RelativeTimeShort(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", RelativeTimeShort(now.Add(-3*time.Hour), now))
	assert.Equal(t, "2d ago", RelativeTimeShort(now.Add(-49*time.Hour), now))
}
