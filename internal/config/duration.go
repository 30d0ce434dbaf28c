package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField reads a non-negative Go duration from the config value
// at path. Blank means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def standing in for a
// blank or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 30s, 5m, 168h)", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, s)
	case d == 0:
		return def, nil
	}
	return d, nil
}
