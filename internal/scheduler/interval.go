// Package scheduler turns timeframe strings into tick durations.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseIntervalDuration parses "15m", "1h", "4h", "1d", "1w" into a duration.
func ParseIntervalDuration(interval string) (time.Duration, error) {
	raw := interval
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, fmt.Errorf("empty interval")
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, fmt.Errorf("interval %q has no magnitude", raw)
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("interval %q has invalid magnitude", raw)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("interval %q has unknown unit %q", raw, string(unit))
	}
}
