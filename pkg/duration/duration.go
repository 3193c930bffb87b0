// Package duration parses and formats durations with day and week units,
// e.g. "24h", "1d", "2w3d", "90 minutes".
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

var units = map[string]time.Duration{
	"ns": time.Nanosecond, "nanosecond": time.Nanosecond,
	"us": time.Microsecond, "µs": time.Microsecond, "microsecond": time.Microsecond,
	"ms": time.Millisecond, "millisecond": time.Millisecond,
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hour": time.Hour,
	"d": Day, "day": Day,
	"w": Week, "wk": Week, "week": Week,
}

var termRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([a-zµ]+)`)

// Parse parses a duration. Terms may be separated by whitespace and units
// may be written in full, singular or plural.
func Parse(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	if s == "0" {
		return 0, nil
	}

	matches := termRe.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return 0, fmt.Errorf("duration: invalid %q", s)
	}

	var total time.Duration
	pos := 0
	for _, m := range matches {
		if strings.TrimSpace(s[pos:m[0]]) != "" {
			return 0, fmt.Errorf("duration: unexpected %q", s[pos:m[0]])
		}
		pos = m[1]

		value, err := strconv.ParseFloat(s[m[2]:m[3]], 64)
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
		unit := s[m[4]:m[5]]
		mult, ok := units[unit]
		if !ok {
			mult, ok = units[strings.TrimSuffix(unit, "s")]
		}
		if !ok {
			return 0, fmt.Errorf("duration: unknown unit %q", unit)
		}
		total += time.Duration(value * float64(mult))
	}
	if strings.TrimSpace(s[pos:]) != "" {
		return 0, fmt.Errorf("duration: unexpected %q", s[pos:])
	}

	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders d using the largest whole units, e.g. "1w2d3h".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	for _, u := range []struct {
		size time.Duration
		name string
	}{
		{Week, "w"}, {Day, "d"}, {time.Hour, "h"}, {time.Minute, "m"}, {time.Second, "s"}, {time.Millisecond, "ms"},
	} {
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.name)
			d -= n * u.size
		}
	}
	if d > 0 {
		b.WriteString(d.String())
	}
	return b.String()
}
