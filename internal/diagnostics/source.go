package diagnostics

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"diagsched/internal/eventbus"
	"diagsched/internal/throttling"
	logx "diagsched/pkg/logx"
)

// Event types published on the bus.
const (
	TypePrefix              = "diag."
	TypeTimerCreated        = "diag.timer_created"
	TypeTimerRemoved        = "diag.timer_removed"
	TypeTimerDisposeFailure = "diag.timer_dispose_failure"
	TypeActionFailure       = "diag.action_failure"
)

// TimerCreatedData is the payload of TypeTimerCreated.
type TimerCreatedData struct {
	IntervalMS int64 `json:"interval_ms"`
}

// FailureData is the payload of the failure event types.
type FailureData struct {
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail"`
}

// Config controls failure throttling.
type Config struct {
	// FailureRatePerSec caps failure log lines per second (burst = same value).
	// Values <= 0 mean 1.
	FailureRatePerSec int
}

// Stats are monotonically increasing signal counters.
type Stats struct {
	Created           uint64 `json:"created"`
	Removed           uint64 `json:"removed"`
	DisposeFailures   uint64 `json:"dispose_failures"`
	ActionFailures    uint64 `json:"action_failures"`
	SuppressedLogs    uint64 `json:"suppressed_logs"`
	LastFailure       string `json:"last_failure,omitempty"`
	LastFailureAtUnix int64  `json:"last_failure_at_unix,omitempty"`
}

// Source implements throttling.Diagnostics.
type Source struct {
	log logx.Logger
	bus eventbus.Bus

	mu          sync.Mutex
	limiter     *rate.Limiter
	suppressed  uint64
	lastFailure string
	lastFailAt  time.Time

	created         atomic.Uint64
	removed         atomic.Uint64
	disposeFailures atomic.Uint64
	actionFailures  atomic.Uint64
	suppressedTotal atomic.Uint64
}

var _ throttling.Diagnostics = (*Source)(nil)

// New returns a Source. A zero log and a nil bus are both allowed.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Source{log: log, bus: bus}
	s.Apply(cfg)
	return s
}

// Apply swaps the failure rate limit. Safe to call concurrently.
func (s *Source) Apply(cfg Config) {
	rps := cfg.FailureRatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.mu.Lock()
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

func (s *Source) TimerCreated(interval time.Duration) {
	s.created.Add(1)
	s.log.Debug("timer created", logx.Duration("interval", interval))
	s.publish(TypeTimerCreated, TimerCreatedData{IntervalMS: interval.Milliseconds()})
}

func (s *Source) TimerRemoved() {
	s.removed.Add(1)
	s.log.Debug("timer removed")
	s.publish(TypeTimerRemoved, nil)
}

func (s *Source) TimerDisposeFailure(detail string) {
	s.disposeFailures.Add(1)
	s.failure("timer dispose failure", FailureData{Detail: detail}, logx.LevelWarn)
	s.publish(TypeTimerDisposeFailure, FailureData{Detail: detail})
}

func (s *Source) ActionFailure(name, detail string) {
	s.actionFailures.Add(1)
	s.failure("scheduled action failed; schedule stopped", FailureData{Name: name, Detail: detail}, logx.LevelError)
	s.publish(TypeActionFailure, FailureData{Name: name, Detail: detail})
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	last, lastAt := s.lastFailure, s.lastFailAt
	s.mu.Unlock()

	st := Stats{
		Created:         s.created.Load(),
		Removed:         s.removed.Load(),
		DisposeFailures: s.disposeFailures.Load(),
		ActionFailures:  s.actionFailures.Load(),
		SuppressedLogs:  s.suppressedTotal.Load(),
		LastFailure:     last,
	}
	if !lastAt.IsZero() {
		st.LastFailureAtUnix = lastAt.Unix()
	}
	return st
}

func (s *Source) failure(msg string, d FailureData, level logx.Level) {
	s.mu.Lock()
	s.lastFailure = d.Detail
	s.lastFailAt = time.Now()
	allowed := s.limiter.Allow()
	var suppressed uint64
	if allowed {
		suppressed = s.suppressed
		s.suppressed = 0
	} else {
		s.suppressed++
	}
	s.mu.Unlock()

	if !allowed {
		s.suppressedTotal.Add(1)
		return
	}

	fields := []logx.Field{logx.String("detail", d.Detail)}
	if d.Name != "" {
		fields = append(fields, logx.String("name", d.Name))
	}
	if suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", suppressed))
	}
	if level >= logx.LevelError {
		s.log.Error(msg, fields...)
	} else {
		s.log.Warn(msg, fields...)
	}
}

func (s *Source) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
