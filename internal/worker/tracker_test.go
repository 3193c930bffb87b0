package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/models"
)

func TestTracker_DurationThenTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, 2*time.Second)

	_, ok := tr.Feed("  Duration: 00:02:00.00, start: 0.000000, bitrate: 1205 kb/s", start)
	assert.False(t, ok, "duration alone neither advances percent nor waits out the interval")

	p, ok := tr.Feed("frame= 1500 fps=50 q=28.0 size=    2048kB time=00:01:00.00 bitrate= 279.6kbits/s speed=2.0x",
		start.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, 50, p.Percent)
	assert.InDelta(t, 120, p.Duration, 0.001)
	assert.InDelta(t, 60, p.CurrentTime, 0.001)
	assert.InDelta(t, 2.0, p.SpeedMultiplier, 0.001)
	assert.Equal(t, int64(2048), p.SizeKB)
	assert.Equal(t, models.StepTranscoding, p.CurrentStep)
	require.NotNil(t, p.EtaSeconds)
	assert.InDelta(t, 30, *p.EtaSeconds, 0.001)
}

func TestTracker_DerivedSpeedWhenNotReported(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, 2*time.Second)
	tr.Feed("Duration: 00:01:40.00", start)

	p, ok := tr.Feed("time=00:00:20.00", start.Add(10*time.Second))
	require.True(t, ok)
	assert.Equal(t, 20, p.Percent)
	assert.InDelta(t, 2.0, p.SpeedMultiplier, 0.001)
	require.NotNil(t, p.EtaSeconds)
	assert.InDelta(t, 40, *p.EtaSeconds, 0.001)
}

func TestTracker_ZeroElapsedFallsBackToUnitSpeed(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, 2*time.Second)
	tr.Feed("Duration: 00:00:10.00", start)

	p, ok := tr.Feed("time=00:00:05.00", start)
	require.True(t, ok)
	assert.InDelta(t, 1.0, p.SpeedMultiplier, 0.001)
	require.NotNil(t, p.EtaSeconds)
	assert.InDelta(t, 5, *p.EtaSeconds, 0.001)
}

func TestTracker_PercentCappedAt99(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, 2*time.Second)
	tr.Feed("Duration: 00:00:10.00", start)

	p, ok := tr.Feed("time=00:00:12.00", start.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 99, p.Percent)
	require.NotNil(t, p.EtaSeconds)
	assert.Zero(t, *p.EtaSeconds)
}

func TestTracker_PercentNeverRegresses(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, 2*time.Second)
	tr.Feed("Duration: 00:01:40.00", start)

	p, ok := tr.Feed("time=00:00:50.00", start.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 50, p.Percent)

	p, ok = tr.Feed("time=00:00:40.00", start.Add(5*time.Second))
	require.True(t, ok, "interval elapsed")
	assert.Equal(t, 50, p.Percent)
}

func TestTracker_Throttle(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, 2*time.Second)
	tr.Feed("Duration: 00:16:40.00", start) // 1000s

	_, ok := tr.Feed("time=00:00:10.00", start.Add(100*time.Millisecond))
	require.True(t, ok, "first percent point and step change")

	_, ok = tr.Feed("time=00:00:15.00", start.Add(200*time.Millisecond))
	assert.False(t, ok, "half a point within the interval")

	_, ok = tr.Feed("time=00:00:20.00", start.Add(300*time.Millisecond))
	assert.True(t, ok, "one full point advanced")

	_, ok = tr.Feed("time=00:00:21.00", start.Add(400*time.Millisecond))
	assert.False(t, ok)

	_, ok = tr.Feed("time=00:00:22.00", start.Add(2500*time.Millisecond))
	assert.True(t, ok, "interval elapsed")
}

func TestTracker_LargerPercentStep(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 5, time.Hour)
	tr.Feed("Duration: 00:01:40.00", start)

	_, ok := tr.Feed("time=00:00:03.00", start.Add(time.Second))
	require.True(t, ok, "step change to transcoding")

	_, ok = tr.Feed("time=00:00:06.00", start.Add(2*time.Second))
	assert.False(t, ok, "3 points below the 5 point step")

	_, ok = tr.Feed("time=00:00:09.00", start.Add(3*time.Second))
	assert.True(t, ok)
}

func TestTracker_FinalizingMarker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, time.Hour)
	tr.Feed("Duration: 00:00:10.00", start)
	tr.Feed("time=00:00:05.00", start.Add(time.Second))

	p, ok := tr.Feed("video:1024kB audio:128kB subtitle:0kB other streams:0kB global headers:0kB muxing overhead: 1.2%",
		start.Add(2*time.Second))
	require.True(t, ok)
	assert.Equal(t, models.StepFinalizing, p.CurrentStep)
	assert.Equal(t, 50, p.Percent)
}

func TestTracker_IgnoresNoise(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, 0)

	for _, line := range []string{
		"",
		"Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'in.mp4':",
		"Stream mapping:",
		"time=N/A bitrate=N/A speed=N/A",
	} {
		_, ok := tr.Feed(line, start.Add(time.Hour))
		assert.False(t, ok, line)
	}
}

func TestTracker_TimeBeforeDurationIgnored(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, 1, time.Hour)

	tr.Feed("time=00:00:05.00", start.Add(time.Second))
	p := tr.Progress()
	assert.Zero(t, p.CurrentTime)
	assert.Zero(t, p.Percent)
	assert.Equal(t, models.StepStarting, p.CurrentStep)
}
