// Package helpers holds small cross-cutting utility functions; the config
// package uses ParseDuration for its duration fields.
package helpers

import (
	"strconv"
	"time"
)

// ParseDuration parses a Go duration string ("30s", "5m"), falling back to
// treating a bare integer as a count of seconds, matching the tolerant
// parsing style TOML-configured deployments expect.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}
