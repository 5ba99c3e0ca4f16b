package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(?i)(\d+)(ms|s|m|h|d)?$`)

var durationMultiplierMs = map[string]int64{
	"ms": 1,
	"s":  1000,
	"m":  60_000,
	"h":  3_600_000,
	"d":  86_400_000,
}

// ParseDuration accepts case-insensitive digits followed by an optional
// ms|s|m|h|d suffix, defaulting to milliseconds when no suffix is given.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want ^\\d+(ms|s|m|h|d)$", s)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	unit := strings.ToLower(m[2])
	if unit == "" {
		unit = "ms"
	}

	mult, ok := durationMultiplierMs[unit]
	if !ok {
		return 0, fmt.Errorf("invalid duration unit %q", unit)
	}

	return time.Duration(n*mult) * time.Millisecond, nil
}
