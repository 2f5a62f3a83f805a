package throttling

import (
	"strings"

	logx "diagsched/pkg/logx"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for scheduler-level debug output.
// Signals meant for operators go through Diagnostics instead.
func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// ScheduleOption configures a single registration.
type ScheduleOption func(*scheduleConfig)

type scheduleConfig struct {
	name    string
	release func() error
}

// WithName labels the registration in snapshots and failure reports.
func WithName(name string) ScheduleOption {
	return func(c *scheduleConfig) { c.name = strings.TrimSpace(name) }
}

// WithRelease installs a hook that runs once when the registration is stopped
// by Remove or Dispose. An error or panic from the hook is reported through
// Diagnostics.TimerDisposeFailure and never propagates to the caller.
func WithRelease(fn func() error) ScheduleOption {
	return func(c *scheduleConfig) { c.release = fn }
}
