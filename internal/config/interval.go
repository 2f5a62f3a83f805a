package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval is a parsed job interval.
type Interval struct {
	Every  time.Duration
	Source string // "every" | "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts 5-field expressions (optionally with seconds) and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronProbeBase is a fixed reference time so cron gap checks are deterministic.
var cronProbeBase = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// ParseInterval parses a job interval.
//
// Supported forms:
//   - "@every 30s" (robfig/cron descriptor; whole seconds, minimum 1s)
//   - cron descriptors or expressions that fire at a fixed spacing: "@hourly", "*/5 * * * *"
//   - Go duration: "45s", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes "interval:" / "every:" force duration/HH:MM parsing.
func ParseInterval(raw string) (Interval, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Interval{}, fmt.Errorf("interval required")
	}

	low := strings.ToLower(s)
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, src, err := parsePlainInterval(strings.TrimSpace(s[len(p):]))
			if err != nil {
				return Interval{}, err
			}
			return Interval{Every: d, Source: src}, nil
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return parseCronInterval(s)
	}

	d, src, err := parsePlainInterval(s)
	if err != nil {
		return Interval{}, fmt.Errorf(
			"invalid interval %q (use '@every 30s', a fixed-spacing cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')",
			raw,
		)
	}
	return Interval{Every: d, Source: src}, nil
}

func parseCronInterval(expr string) (Interval, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Interval{}, fmt.Errorf("invalid cron interval %q: %w", expr, err)
	}
	if c, ok := sched.(cron.ConstantDelaySchedule); ok {
		return Interval{Every: c.Delay, Source: "every"}, nil
	}

	// Only schedules with a constant spacing map onto a repeating interval.
	// Sample enough activations to cover day-of-week and month boundaries.
	const samples = 16
	prev := sched.Next(cronProbeBase)
	var gap time.Duration
	for i := 0; i < samples; i++ {
		next := sched.Next(prev)
		if prev.IsZero() || next.IsZero() {
			return Interval{}, fmt.Errorf("cron interval %q never fires", expr)
		}
		g := next.Sub(prev)
		if i == 0 {
			gap = g
		} else if g != gap {
			return Interval{}, fmt.Errorf("cron interval %q does not fire at a fixed spacing", expr)
		}
		prev = next
	}
	if gap <= 0 {
		return Interval{}, fmt.Errorf("cron interval %q does not fire at a fixed spacing", expr)
	}
	return Interval{Every: gap, Source: "cron"}, nil
}

func parsePlainInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
