package throttling

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	logx "diagsched/pkg/logx"
)

// Scheduler runs registered actions repeatedly, each at its own interval.
//
// The owner must call Dispose (or Shutdown) on every exit path; there is no
// finalizer backstop.
type Scheduler struct {
	diag Diagnostics
	log  logx.Logger

	mu       sync.Mutex
	registry map[uint64]*scheduledTimer
	nextID   uint64
	disposed bool

	// wg tracks timer loop goroutines so Shutdown can join them.
	wg sync.WaitGroup
}

// TimerInfo is a point-in-time view of one registration.
type TimerInfo struct {
	Token    Token
	Name     string
	Interval time.Duration
	State    State
	Fires    uint64
	Failed   bool
	Created  time.Time
	LastFire time.Time
	NextFire time.Time
}

// New returns an empty scheduler. A nil diag discards all signals.
func New(diag Diagnostics, opts ...Option) *Scheduler {
	if diag == nil {
		diag = nopDiagnostics{}
	}
	s := &Scheduler{
		diag:     diag,
		registry: map[uint64]*scheduledTimer{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Schedule registers action to run every interval, starting one interval from
// now, and returns its token.
func (s *Scheduler) Schedule(interval time.Duration, action func(), opts ...ScheduleOption) (Token, error) {
	if action == nil {
		return Token{}, fmt.Errorf("%w: action is nil", ErrInvalidArgument)
	}
	return s.ScheduleContext(interval, func(context.Context) { action() }, opts...)
}

// maxIntervalMillis is the largest millisecond count a time.Duration holds.
const maxIntervalMillis = math.MaxInt64 / int64(time.Millisecond)

// ScheduleEveryMillis is Schedule with the interval given in milliseconds.
func (s *Scheduler) ScheduleEveryMillis(intervalMillis int, action func(), opts ...ScheduleOption) (Token, error) {
	if intervalMillis <= 0 {
		return Token{}, fmt.Errorf("%w: intervalMillis must be > 0, got %d", ErrInvalidArgument, intervalMillis)
	}
	if int64(intervalMillis) > maxIntervalMillis {
		return Token{}, fmt.Errorf("%w: interval too large, got %dms (max %dms)", ErrInvalidArgument, intervalMillis, maxIntervalMillis)
	}
	return s.Schedule(time.Duration(intervalMillis)*time.Millisecond, action, opts...)
}

// ScheduleContext is like Schedule, but action receives a context that is
// canceled when the registration is removed or the scheduler is disposed.
// A grace firing can use it to cut its work short.
func (s *Scheduler) ScheduleContext(interval time.Duration, action func(ctx context.Context), opts ...ScheduleOption) (Token, error) {
	if interval <= 0 {
		return Token{}, fmt.Errorf("%w: interval must be > 0, got %s", ErrInvalidArgument, interval)
	}
	if action == nil {
		return Token{}, fmt.Errorf("%w: action is nil", ErrInvalidArgument)
	}
	var cfg scheduleConfig
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return Token{}, ErrDisposed
	}
	s.nextID++
	t := newScheduledTimer(s.nextID, interval, action, cfg)
	t.start(&s.wg, s.onActionPanic)
	s.registry[t.id] = t
	s.mu.Unlock()

	s.diag.TimerCreated(interval)
	s.log.Debug("timer created", logx.Uint64("id", t.id), logx.String("name", t.name), logx.Duration("interval", interval))
	return Token{owner: s, id: t.id}, nil
}

// Remove stops the registration identified by tok. Removing a token that is
// no longer registered is a no-op.
func (s *Scheduler) Remove(tok Token) error {
	if tok.IsZero() {
		return fmt.Errorf("%w: token is absent", ErrInvalidArgument)
	}
	if tok.owner != s {
		return fmt.Errorf("%w: token %s was not issued by this scheduler", ErrInvalidArgument, tok)
	}

	s.mu.Lock()
	t, ok := s.registry[tok.id]
	if ok {
		delete(s.registry, tok.id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.releaseTimer(t)
	s.diag.TimerRemoved()
	s.log.Debug("timer removed", logx.Uint64("id", t.id), logx.String("name", t.name))
	return nil
}

// Tokens returns a snapshot of the registered tokens, ordered by issue time.
func (s *Scheduler) Tokens() []Token {
	s.mu.Lock()
	out := make([]Token, 0, len(s.registry))
	for id := range s.registry {
		out = append(out, Token{owner: s, id: id})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of registered tokens.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

// Info returns a view of the registration behind tok.
func (s *Scheduler) Info(tok Token) (TimerInfo, bool) {
	if tok.owner != s {
		return TimerInfo{}, false
	}
	s.mu.Lock()
	t, ok := s.registry[tok.id]
	s.mu.Unlock()
	if !ok {
		return TimerInfo{}, false
	}
	return s.infoOf(t), true
}

// Snapshot returns a view of every registration, ordered by issue time.
func (s *Scheduler) Snapshot() []TimerInfo {
	s.mu.Lock()
	timers := make([]*scheduledTimer, 0, len(s.registry))
	for _, t := range s.registry {
		timers = append(timers, t)
	}
	s.mu.Unlock()

	out := make([]TimerInfo, 0, len(timers))
	for _, t := range timers {
		out = append(out, s.infoOf(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token.id < out[j].Token.id })
	return out
}

func (s *Scheduler) infoOf(t *scheduledTimer) TimerInfo {
	info := TimerInfo{
		Token:    Token{owner: s, id: t.id},
		Name:     t.name,
		Interval: t.delay,
		State:    t.State(),
		Fires:    t.fires.Load(),
		Failed:   t.failed.Load(),
		Created:  t.created,
		NextFire: t.nextFire(),
	}
	if ns := t.lastFire.Load(); ns != 0 {
		info.LastFire = time.Unix(0, ns)
	}
	return info
}

// Disposed reports whether Dispose has been called.
func (s *Scheduler) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Dispose stops every registration and empties the registry. Only the first
// call has an effect. It does not wait for in-flight firings.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	timers := make([]*scheduledTimer, 0, len(s.registry))
	for _, t := range s.registry {
		timers = append(timers, t)
	}
	s.registry = map[uint64]*scheduledTimer{}
	s.mu.Unlock()

	for _, t := range timers {
		s.releaseTimer(t)
	}
	s.log.Debug("scheduler disposed", logx.Int("timers", len(timers)))
}

// Shutdown disposes the scheduler and waits until every firing goroutine has
// returned or ctx is done. On ctx expiry it returns ctx.Err() while firings
// may still be running; the wait continues in the background until they
// return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Dispose()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseTimer stops t. Failures are reported and swallowed so that callers
// releasing many timers always get through all of them.
func (s *Scheduler) releaseTimer(t *scheduledTimer) {
	if err := t.stop(); err != nil {
		s.diag.TimerDisposeFailure(FormatFailure(err))
		s.log.Debug("timer release failed", logx.Uint64("id", t.id), logx.String("name", t.name), logx.Err(err))
	}
}

func (s *Scheduler) onActionPanic(t *scheduledTimer, p any) {
	s.diag.ActionFailure(t.name, FormatFailure(p))
}
