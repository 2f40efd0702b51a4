package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses a configured timeout, using defaultValue for
// fields left empty. Timeouts are kept as strings in the config so YAML,
// env vars, and flags all share the time.ParseDuration format.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	return d, nil
}
