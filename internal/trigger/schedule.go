package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a parsed schedule string.
//
// Supported forms:
//   - cron: "*/1 * * * *", "0 */5 * * * *" (seconds optional), "@hourly", "@every 1m"
//   - interval duration: "30s", "2m30s"
//   - interval HH:MM: "00:05" (five minutes)
//
// "cron:" forces cron parsing, "every:" forces an interval.
type Spec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	// SecondOptional accepts both 5-field and 6-field specs.
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses raw into a cron expression or a fixed interval and
// checks that a cron expression is valid.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: SpecInterval, Every: d}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return cronSpec(s)
	}

	d, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/1 * * * *', HH:MM like '00:05', or duration like '30s')", raw)
	}
	return Spec{Kind: SpecInterval, Every: d}, nil
}

func cronSpec(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron schedule required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return Spec{Kind: SpecCron, Cron: expr}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Schedule converts the parsed form into a robfig/cron schedule.
func (s Spec) Schedule() (cron.Schedule, error) {
	if s.Kind == SpecInterval {
		return cron.Every(s.Every), nil
	}
	return cronParser.Parse(s.Cron)
}

func (s Spec) String() string {
	if s.Kind == SpecInterval {
		return "every " + s.Every.String()
	}
	return s.Cron
}
