package worker

import (
	"math"
	"time"

	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/models"
)

// Throttle defaults for progress writes.
const (
	DefaultMinPercentStep = 1
	DefaultMinInterval    = 2 * time.Second
)

// Tracker turns ffmpeg diagnostic lines into throttled progress samples.
// It is not safe for concurrent use; each run owns one.
type Tracker struct {
	state ffmpeg.ParserState
	start time.Time

	minPercentStep int
	minInterval    time.Duration

	progress    models.Progress
	lastPercent int
	lastEmit    time.Time
}

// NewTracker creates a tracker for a process started at start.
func NewTracker(start time.Time, minPercentStep int, minInterval time.Duration) *Tracker {
	if minPercentStep < 1 {
		minPercentStep = DefaultMinPercentStep
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Tracker{
		start:          start,
		minPercentStep: minPercentStep,
		minInterval:    minInterval,
		progress:       models.Progress{CurrentStep: models.StepStarting},
		lastEmit:       start,
	}
}

// Progress returns the latest derived progress, emitted or not.
func (t *Tracker) Progress() models.Progress {
	p := t.progress
	if p.EtaSeconds != nil {
		eta := *p.EtaSeconds
		p.EtaSeconds = &eta
	}
	return p
}

// Feed parses one line at time now. It reports true when the resulting
// progress should be written: percent advanced by the minimum step, the
// minimum interval passed since the last write, or the step label changed.
// Lines carrying nothing recognisable never produce a write.
func (t *Tracker) Feed(line string, now time.Time) (models.Progress, bool) {
	var u ffmpeg.Update
	t.state, u = ffmpeg.ParseLine(line, t.state)
	if u.Empty() {
		return models.Progress{}, false
	}

	stepChanged := false
	setStep := func(step string) {
		if t.progress.CurrentStep != step {
			t.progress.CurrentStep = step
			stepChanged = true
		}
	}

	if u.Duration != nil {
		t.progress.Duration = *u.Duration
	}
	if u.SizeKB != nil {
		t.progress.SizeKB = *u.SizeKB
	}
	if u.Speed != nil {
		t.progress.SpeedMultiplier = *u.Speed
	}
	if u.CurrentTime != nil {
		t.applyTime(*u.CurrentTime, now, u.Speed != nil)
		if t.progress.CurrentStep == models.StepStarting {
			setStep(models.StepTranscoding)
		}
	}
	if u.Step != "" {
		setStep(u.Step)
	}

	advanced := t.progress.Percent-t.lastPercent >= t.minPercentStep
	due := now.Sub(t.lastEmit) >= t.minInterval
	if !advanced && !due && !stepChanged {
		return models.Progress{}, false
	}

	t.lastPercent = t.progress.Percent
	t.lastEmit = now
	return t.Progress(), true
}

// applyTime derives percent, speed and ETA from the current position.
// The ETA always uses the observed wall-clock speed; ffmpeg's own speed
// figure is reported as-is when present.
func (t *Tracker) applyTime(cur float64, now time.Time, reportedSpeed bool) {
	t.progress.CurrentTime = cur
	dur := t.state.Duration

	if dur > 0 {
		percent := int(math.Floor(math.Min(99, 100*cur/dur)))
		t.progress.Percent = max(percent, t.progress.Percent, 0)
	}

	speed := 1.0
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 && cur > 0 {
		speed = cur / elapsed
	}
	if !reportedSpeed {
		t.progress.SpeedMultiplier = speed
	}

	if dur > 0 && speed > 0 {
		eta := math.Max(0, (dur-cur)/speed)
		t.progress.EtaSeconds = &eta
	} else {
		t.progress.EtaSeconds = nil
	}
}
