// Package bytesize parses and formats binary (1024-based) byte sizes such as
// "512KB", "1.5 GiB" or "1048576".
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary size units.
const (
	B  Size = 1
	KB Size = 1 << (10 * iota)
	MB
	GB
	TB
)

var (
	sizeRe = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-zA-Z]*)\s*$`)

	multipliers = map[string]Size{
		"": B, "b": B, "byte": B, "bytes": B,
		"k": KB, "kb": KB, "kib": KB,
		"m": MB, "mb": MB, "mib": MB,
		"g": GB, "gb": GB, "gib": GB,
		"t": TB, "tb": TB, "tib": TB,
	}

	formatUnits = []struct {
		size Size
		name string
	}{
		{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"},
	}
)

// Parse parses a size. A bare number is bytes.
func Parse(s string) (Size, error) {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}

	mult, ok := multipliers[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", m[2])
	}
	return Size(value * float64(mult)), nil
}

// Format renders s in the largest unit that keeps the value >= 1.
func Format(s Size) string {
	if s < 0 {
		return "-" + Format(-s)
	}
	for _, u := range formatUnits {
		if s >= u.size {
			v := strconv.FormatFloat(float64(s)/float64(u.size), 'f', 2, 64)
			v = strings.TrimRight(strings.TrimRight(v, "0"), ".")
			return v + u.name
		}
	}
	return strconv.FormatInt(int64(s), 10) + "B"
}

// String implements fmt.Stringer.
func (s Size) String() string {
	return Format(s)
}
