package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are Go duration strings ("250ms", "30s"). Blank means unset.

// ParseDurationField parses an optional non-negative duration; blank is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def substituted for a blank or zero value.
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
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. \"500ms\", \"30s\")", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative, got %s", path, s)
	case d == 0:
		return def, nil
	}
	return d, nil
}
