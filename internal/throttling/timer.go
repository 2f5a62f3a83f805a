package throttling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a registration.
type State int32

const (
	StateCreated State = iota
	StateArmed
	StateFiring
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// scheduledTimer drives one registration.
//
// Transitions: Created -> Armed -> (Firing -> Armed)* -> Stopped.
// Stopped is terminal; every transition out of Armed/Firing is a CAS so a
// concurrent stop always wins.
type scheduledTimer struct {
	id      uint64
	name    string
	delay   time.Duration
	action  func(ctx context.Context)
	release func() error
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	cancelled atomic.Bool
	fires     atomic.Uint64
	lastFire  atomic.Int64 // unix nano
	startedAt atomic.Int64 // unix nano of the armed clock start
	failed    atomic.Bool
}

func newScheduledTimer(id uint64, delay time.Duration, action func(ctx context.Context), cfg scheduleConfig) *scheduledTimer {
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduledTimer{
		id:      id,
		name:    cfg.name,
		delay:   delay,
		action:  action,
		release: cfg.release,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (t *scheduledTimer) State() State { return State(t.state.Load()) }

// start arms the first delay and runs the loop on its own goroutine.
// onPanic is called from the loop goroutine if the action panics.
func (t *scheduledTimer) start(wg *sync.WaitGroup, onPanic func(*scheduledTimer, any)) {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateArmed)) {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.run(onPanic)
	}()
}

func (t *scheduledTimer) run(onPanic func(*scheduledTimer, any)) {
	t.startedAt.Store(time.Now().UnixNano())
	timer := time.NewTimer(t.delay)
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.markStopped()
			return
		case <-timer.C:
		}

		// Re-arm first: the next wait starts now, regardless of how long the
		// action below takes.
		timer.Reset(t.delay)
		t.startedAt.Store(time.Now().UnixNano())

		if t.cancelled.Load() {
			t.markStopped()
			return
		}
		if !t.fire(onPanic) {
			t.markStopped()
			return
		}
	}
}

// fire runs one invocation. It returns false when the chain must end, either
// because the timer was stopped before the invocation or because it panicked.
func (t *scheduledTimer) fire(onPanic func(*scheduledTimer, any)) (ok bool) {
	if !t.state.CompareAndSwap(int32(StateArmed), int32(StateFiring)) {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			t.failed.Store(true)
			if onPanic != nil {
				onPanic(t, r)
			}
		}
	}()

	t.fires.Add(1)
	t.lastFire.Store(time.Now().UnixNano())
	t.action(t.ctx)

	t.state.CompareAndSwap(int32(StateFiring), int32(StateArmed))
	return true
}

func (t *scheduledTimer) markStopped() {
	t.state.Store(int32(StateStopped))
}

// stop cancels the timer and runs the release hook. Only the first call does
// anything; later calls return nil.
func (t *scheduledTimer) stop() error {
	if !t.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	t.markStopped()
	t.cancel()

	if t.release == nil {
		return nil
	}
	return callRelease(t.release)
}

func callRelease(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}

// nextFire estimates when the armed timer will fire next.
func (t *scheduledTimer) nextFire() time.Time {
	if t.State() == StateStopped {
		return time.Time{}
	}
	ns := t.startedAt.Load()
	if ns == 0 {
		return t.created.Add(t.delay)
	}
	return time.Unix(0, ns).Add(t.delay)
}
