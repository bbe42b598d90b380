package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one duration-string config field (e.g. "10s",
// "1m30s"). A blank field is treated as unset and parses to zero; a set field
// must be a valid, non-negative Go duration.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: not a duration: %w", path, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative durations are not allowed", path)
	}
	return d, nil
}

// ParseDurationOrDefault maps an unset field onto a component default.
// Invalid values still fail rather than silently defaulting.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
