package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"postwave/internal/trigger"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags first, then the values tags cannot express:
// durations, the trigger schedule, the timezone, driver requirements and
// account uniqueness. All problems are joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"storage.busy_timeout":   cfg.Storage.BusyTimeout,
		"queue.sweep_interval":   cfg.Queue.SweepInterval,
		"queue.job_timeout":      cfg.Queue.JobTimeout,
		"queue.retry_delay":      cfg.Queue.RetryDelay,
		"queue.backoff_base":     cfg.Queue.BackoffBase,
		"queue.backoff_max":      cfg.Queue.BackoffMax,
		"trigger.run_timeout":    cfg.Trigger.RunTimeout,
		"publisher.call_timeout": cfg.Publisher.CallTimeout,
		"http.read_timeout":      cfg.HTTP.ReadTimeout,
		"http.write_timeout":     cfg.HTTP.WriteTimeout,
	}
	for name, p := range cfg.Platforms {
		durations["platforms."+name+".timeout"] = p.Timeout
	}
	for field, raw := range durations {
		if _, err := Duration(field, raw); err != nil {
			errs = append(errs, err)
		}
	}

	base := MustDuration(cfg.Queue.BackoffBase, 0)
	maxB := MustDuration(cfg.Queue.BackoffMax, 0)
	if base > 0 && maxB > 0 && base > maxB {
		errs = append(errs, fmt.Errorf("queue.backoff_base (%s) exceeds queue.backoff_max (%s)", base, maxB))
	}

	if s := strings.TrimSpace(cfg.Trigger.Schedule); s != "" {
		if _, err := trigger.ParseSchedule(s); err != nil {
			errs = append(errs, fmt.Errorf("trigger.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("trigger.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", cfg.Storage.Driver))
		}
	}

	seen := map[string]bool{}
	for i, a := range cfg.Accounts {
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}

// fieldPath turns "Config.Queue.MaxConcurrent" into "queue.max_concurrent".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	isUpper := func(i int) bool { return i >= 0 && i < len(s) && s[i] >= 'A' && s[i] <= 'Z' }
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUpper(i) {
			// Break before a word start: "MaxConcurrent", "APIBase", "ExternalID".
			if i > 0 && (!isUpper(i-1) || (i+1 < len(s) && !isUpper(i+1) && s[i+1] != '[')) {
				b.WriteByte('_')
			}
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}
