package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "diagsched/pkg/logx"
)

// Supervisor runs named goroutines under one cancelable context, recovers
// their panics, and remembers the first failure.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	errMu sync.Mutex
	err   error

	started  atomic.Uint64
	active   atomic.Int64
	panics   atomic.Uint64
	restarts atomic.Uint64

	tasksMu sync.Mutex
	tasks   map[uint64]*Task
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Counters are operational totals, not synchronization points.
type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Panics   uint64 `json:"panics"`
	Restarts uint64 `json:"restarts"`
}

// Task describes one running goroutine.
type Task struct {
	Name     string    `json:"name"`
	Since    time.Time `json:"since"`
	Restarts int       `json:"restarts,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Status is Counters plus the running tasks ordered by start.
type Status struct {
	Counters
	Tasks []Task `json:"tasks"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  map[uint64]*Task{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Panics:   s.panics.Load(),
		Restarts: s.restarts.Load(),
	}
}

func (s *Supervisor) Status() Status {
	s.tasksMu.Lock()
	ids := make([]uint64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, *s.tasks[id])
	}
	s.tasksMu.Unlock()
	return Status{Counters: s.Counters(), Tasks: tasks}
}

// Go runs fn on its own goroutine. A non-nil error other than
// context.Canceled, or a panic, is recorded as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func(ctx context.Context, _ uint64) error { return s.run(ctx, name, fn) })
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) spawn(name string, body func(ctx context.Context, id uint64) error) {
	id := s.started.Add(1)
	s.active.Add(1)
	s.tasksMu.Lock()
	s.tasks[id] = &Task{Name: name, Since: time.Now()}
	s.tasksMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.tasksMu.Lock()
			delete(s.tasks, id)
			s.tasksMu.Unlock()
			s.active.Add(-1)
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		if err := body(s.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// run calls fn once, turning a panic into an error.
func (s *Supervisor) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

// WithRestartBackoff sets the first and the largest delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts (n <= 0 means never). The initial
// run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// healthyRun resets the backoff when an attempt ran at least this long.
const healthyRun = 30 * time.Second

type restartPolicy struct {
	min, max time.Duration
	limit    int

	cur time.Duration
}

// delay returns the wait before the next attempt, with up to 20% jitter.
func (p *restartPolicy) delay(ran time.Duration) time.Duration {
	if p.cur == 0 || ran >= healthyRun {
		p.cur = p.min
	}
	d := p.cur
	p.cur = min(p.cur*2, p.max)
	if j := int64(d / 5); j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

// GoRestart runs fn and restarts it after an error or panic until fn
// returns nil, the context ends, or the restart limit is reached.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := &restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(p)
	}
	p.max = max(p.max, p.min)

	s.spawn(name, func(ctx context.Context, id uint64) error {
		for n := 1; ; n++ {
			began := time.Now()
			err := s.run(ctx, name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if p.limit > 0 && n > p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n-1), logx.Err(err))
				return err
			}

			s.restarts.Add(1)
			s.tasksMu.Lock()
			if t := s.tasks[id]; t != nil {
				t.Restarts = n
				t.LastErr = err.Error()
			}
			s.tasksMu.Unlock()

			wait := p.delay(time.Since(began))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	})
}

// Stop cancels the context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends, then reports
// the first failure (or ctx's error).
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}
