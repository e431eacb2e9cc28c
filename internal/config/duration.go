package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses an optional duration field. Empty means zero.
func Duration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// DurationOr is Duration with def for empty or zero values.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is for values that already passed Validate.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := DurationOr("", raw, def)
	if err != nil {
		return def
	}
	return d
}
