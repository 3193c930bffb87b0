package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{1,2}):(\d{1,2}(?:\.\d+)?)`)
	timeRe     = regexp.MustCompile(`time=\s*(\d+):(\d{1,2}):(\d{1,2}(?:\.\d+)?)`)
	speedRe    = regexp.MustCompile(`speed=\s*(\d+(?:\.\d+)?)x`)
	sizeRe     = regexp.MustCompile(`size=\s*(\d+)\s*(?:kB|KiB)`)
)

// finalizeMarker is printed by ffmpeg once the muxer has flushed its output.
const finalizeMarker = "muxing overhead"

// StepFinalizing is reported once the finalize marker has been seen.
const StepFinalizing = "finalizing"

// ParserState is the only context the parser carries between lines.
type ParserState struct {
	// Duration is the total input duration in seconds.
	Duration float64
	// DurationKnown is set by the first Duration line and never cleared.
	DurationKnown bool
}

// Update holds what a single line contributed. Nil fields were not present.
type Update struct {
	Duration    *float64
	CurrentTime *float64
	Speed       *float64
	SizeKB      *int64
	Step        string
}

// Empty reports whether the line contributed nothing.
func (u Update) Empty() bool {
	return u.Duration == nil && u.CurrentTime == nil && u.Speed == nil && u.SizeKB == nil && u.Step == ""
}

// ParseLine extracts progress fields from one line of ffmpeg diagnostic
// output. It is pure: the returned state replaces st, and unparseable lines
// return st unchanged with an empty Update.
//
// Only the first Duration line counts, since later ones describe outputs or
// secondary inputs. A time= position is ignored until the duration is known.
func ParseLine(line string, st ParserState) (ParserState, Update) {
	var u Update

	if !st.DurationKnown {
		if m := durationRe.FindStringSubmatch(line); m != nil {
			if d, ok := clockSeconds(m[1], m[2], m[3]); ok && d > 0 {
				st.Duration = d
				st.DurationKnown = true
				u.Duration = &d
			}
		}
	}

	if st.DurationKnown {
		if m := timeRe.FindStringSubmatch(line); m != nil {
			if cur, ok := clockSeconds(m[1], m[2], m[3]); ok {
				u.CurrentTime = &cur
			}
		}
	}

	if m := speedRe.FindStringSubmatch(line); m != nil {
		if s, err := strconv.ParseFloat(m[1], 64); err == nil {
			u.Speed = &s
		}
	}

	if m := sizeRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			u.SizeKB = &n
		}
	}

	if strings.Contains(line, finalizeMarker) {
		u.Step = StepFinalizing
	}

	return st, u
}

// ParseClock converts an HH:MM:SS.ss string to seconds.
func ParseClock(s string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	return clockSeconds(parts[0], parts[1], parts[2])
}

func clockSeconds(h, m, s string) (float64, bool) {
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, false
	}
	mins, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return float64(hours)*3600 + float64(mins)*60 + secs, true
}
