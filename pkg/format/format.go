// Package format renders numbers, sizes and times for terminal output.
package format

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Bytes formats a byte count, e.g. Bytes(1536) => "1.5 KB".
func Bytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), []string{"KB", "MB", "GB", "TB"}[exp])
}

// Number formats n with thousand separators, e.g. "1,234,567".
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Percent formats an integer percentage.
func Percent(p int) string {
	return printer.Sprintf("%d%%", p)
}

// Speed formats a processing speed multiplier, e.g. "2.50x".
func Speed(x float64) string {
	return printer.Sprintf("%.2fx", x)
}

// ETA formats a remaining-time estimate in seconds. Nil means unknown.
func ETA(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	d := time.Duration(*seconds * float64(time.Second)).Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	return d.String()
}

// RelativeTimeShort formats t relative to now, e.g. "5m ago".
func RelativeTimeShort(t, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < 0:
		return "soon"
	case diff < time.Minute:
		return "now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
