package throttling

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingDiag struct {
	mu              sync.Mutex
	created         []time.Duration
	removed         int
	disposeFailures []string
	actionFailures  []string
}

func (d *recordingDiag) TimerCreated(interval time.Duration) {
	d.mu.Lock()
	d.created = append(d.created, interval)
	d.mu.Unlock()
}

func (d *recordingDiag) TimerRemoved() {
	d.mu.Lock()
	d.removed++
	d.mu.Unlock()
}

func (d *recordingDiag) TimerDisposeFailure(detail string) {
	d.mu.Lock()
	d.disposeFailures = append(d.disposeFailures, detail)
	d.mu.Unlock()
}

func (d *recordingDiag) ActionFailure(name, detail string) {
	d.mu.Lock()
	d.actionFailures = append(d.actionFailures, name+"|"+detail)
	d.mu.Unlock()
}

func (d *recordingDiag) counts() (created, removed, disposeFailures, actionFailures int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created), d.removed, len(d.disposeFailures), len(d.actionFailures)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScheduleRejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		interval time.Duration
	}{
		{name: "zero", interval: 0},
		{name: "negative", interval: -1},
		{name: "negative second", interval: -time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			diag := &recordingDiag{}
			s := New(diag)
			defer s.Dispose()

			tok, err := s.Schedule(tt.interval, func() {})
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("Schedule(%s) err = %v, want ErrInvalidArgument", tt.interval, err)
			}
			if !tok.IsZero() {
				t.Fatalf("token = %s, want zero", tok)
			}
			if n := s.Len(); n != 0 {
				t.Fatalf("Len = %d, want 0", n)
			}
			if created, _, _, _ := diag.counts(); created != 0 {
				t.Fatalf("created events = %d, want 0", created)
			}
		})
	}
}

func TestScheduleEveryMillisRejectsNonPositive(t *testing.T) {
	t.Parallel()
	s := New(nil)
	defer s.Dispose()

	for _, ms := range []int{0, -1, -100} {
		if _, err := s.ScheduleEveryMillis(ms, func() {}); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("ScheduleEveryMillis(%d) err = %v, want ErrInvalidArgument", ms, err)
		}
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestScheduleEveryMillisRejectsOverflow(t *testing.T) {
	t.Parallel()
	if strconv.IntSize < 64 {
		t.Skip("int cannot exceed the duration range")
	}
	s := New(nil)
	defer s.Dispose()

	limit := maxIntervalMillis
	for _, ms := range []int{int(limit) + 1, int(limit) * 2, math.MaxInt} {
		if _, err := s.ScheduleEveryMillis(ms, func() {}); !errors.Is(err, ErrInvalidArgument) || !strings.Contains(err.Error(), "too large") {
			t.Fatalf("ScheduleEveryMillis(%d) err = %v, want interval too large", ms, err)
		}
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}

	tok, err := s.ScheduleEveryMillis(int(limit), func() {})
	if err != nil {
		t.Fatalf("ScheduleEveryMillis(max) err = %v", err)
	}
	info, ok := s.Info(tok)
	if !ok || info.Interval != time.Duration(limit)*time.Millisecond || info.Interval <= 0 {
		t.Fatalf("Info = %+v, %v", info, ok)
	}
}

func TestScheduleRejectsNilAction(t *testing.T) {
	t.Parallel()
	s := New(nil)
	defer s.Dispose()

	if _, err := s.Schedule(time.Second, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Schedule(nil) err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.ScheduleContext(time.Second, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ScheduleContext(nil) err = %v, want ErrInvalidArgument", err)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestScheduleRegistersToken(t *testing.T) {
	t.Parallel()
	diag := &recordingDiag{}
	s := New(diag)
	defer s.Dispose()

	tok, err := s.Schedule(time.Hour, func() {}, WithName("hourly"))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	toks := s.Tokens()
	if len(toks) != 1 || toks[0] != tok {
		t.Fatalf("Tokens = %v, want [%s]", toks, tok)
	}

	diag.mu.Lock()
	created := append([]time.Duration(nil), diag.created...)
	diag.mu.Unlock()
	if len(created) != 1 || created[0] != time.Hour {
		t.Fatalf("created events = %v, want [1h]", created)
	}

	info, ok := s.Info(tok)
	if !ok {
		t.Fatal("Info: token not found")
	}
	if info.Name != "hourly" || info.Interval != time.Hour || info.State != StateArmed {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestTokensSnapshotIsIndependent(t *testing.T) {
	t.Parallel()
	s := New(nil)
	defer s.Dispose()

	a, _ := s.Schedule(time.Hour, func() {})
	b, _ := s.Schedule(time.Hour, func() {})
	snap := s.Tokens()
	if len(snap) != 2 || snap[0] != a || snap[1] != b {
		t.Fatalf("Tokens = %v, want [%s %s]", snap, a, b)
	}

	if err := s.Remove(a); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot mutated: %v", snap)
	}
	if got := s.Tokens(); len(got) != 1 || got[0] != b {
		t.Fatalf("Tokens after remove = %v, want [%s]", got, b)
	}
}

func TestScheduleFiresAndRemoveStops(t *testing.T) {
	t.Parallel()
	diag := &recordingDiag{}
	s := New(diag)
	defer s.Dispose()

	var count atomic.Int64
	tok, err := s.Schedule(100*time.Millisecond, func() { count.Add(1) })
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	time.Sleep(550 * time.Millisecond)
	got := count.Load()
	if got < 4 || got > 6 {
		t.Fatalf("count after 550ms = %d, want 4..6", got)
	}

	if err := s.Remove(tok); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	atRemoval := count.Load()

	time.Sleep(300 * time.Millisecond)
	if after := count.Load(); after > atRemoval+1 {
		t.Fatalf("count after removal = %d, want <= %d", after, atRemoval+1)
	}
	if _, removed, _, _ := diag.counts(); removed != 1 {
		t.Fatalf("removed events = %d, want 1", removed)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestIntervalMeasuredBetweenStarts(t *testing.T) {
	t.Parallel()
	s := New(nil)
	defer s.Dispose()

	const interval = 100 * time.Millisecond
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	_, err := s.Schedule(interval, func() {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(interval / 2)
	})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 4
	})

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		// Between-completions scheduling would give ~150ms.
		if gap > 130*time.Millisecond {
			t.Fatalf("gap between starts %d and %d = %s, want ~%s", i-1, i, gap, interval)
		}
	}
}

func TestFiringsOfOneTokenDoNotOverlap(t *testing.T) {
	t.Parallel()
	s := New(nil)
	defer s.Dispose()

	var (
		running atomic.Int32
		overlap atomic.Bool
		fires   atomic.Int32
	)
	_, err := s.Schedule(10*time.Millisecond, func() {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		fires.Add(1)
	})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fires.Load() >= 5 })
	if overlap.Load() {
		t.Fatal("firings of one token overlapped")
	}
}

func TestRemoveUnregisteredTokenIsNoop(t *testing.T) {
	t.Parallel()
	diag := &recordingDiag{}
	s := New(diag)
	defer s.Dispose()

	tok, _ := s.Schedule(time.Hour, func() {})
	if err := s.Remove(tok); err != nil {
		t.Fatalf("first Remove error: %v", err)
	}
	if err := s.Remove(tok); err != nil {
		t.Fatalf("second Remove error: %v", err)
	}
	if _, removed, _, _ := diag.counts(); removed != 1 {
		t.Fatalf("removed events = %d, want 1", removed)
	}
}

func TestRemoveRejectsAbsentAndForeignTokens(t *testing.T) {
	t.Parallel()
	s := New(nil)
	defer s.Dispose()
	other := New(nil)
	defer other.Dispose()

	if err := s.Remove(Token{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Remove(zero) err = %v, want ErrInvalidArgument", err)
	}

	foreign, err := other.Schedule(time.Hour, func() {})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if err := s.Remove(foreign); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Remove(foreign) err = %v, want ErrInvalidArgument", err)
	}
	if n := other.Len(); n != 1 {
		t.Fatalf("foreign scheduler Len = %d, want 1", n)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	t.Parallel()
	s := New(nil)

	var released atomic.Int32
	release := func() error { released.Add(1); return nil }
	for i := 0; i < 3; i++ {
		if _, err := s.Schedule(time.Hour, func() {}, WithRelease(release)); err != nil {
			t.Fatalf("Schedule error: %v", err)
		}
	}

	s.Dispose()
	if toks := s.Tokens(); len(toks) != 0 {
		t.Fatalf("Tokens after first Dispose = %v, want empty", toks)
	}
	s.Dispose()
	if toks := s.Tokens(); len(toks) != 0 {
		t.Fatalf("Tokens after second Dispose = %v, want empty", toks)
	}
	if n := released.Load(); n != 3 {
		t.Fatalf("release calls = %d, want 3", n)
	}
	if !s.Disposed() {
		t.Fatal("Disposed = false, want true")
	}
}

func TestDisposeStopsFirings(t *testing.T) {
	t.Parallel()
	s := New(nil)

	var count atomic.Int64
	for i := 0; i < 3; i++ {
		if _, err := s.Schedule(20*time.Millisecond, func() { count.Add(1) }); err != nil {
			t.Fatalf("Schedule error: %v", err)
		}
	}
	waitFor(t, time.Second, func() bool { return count.Load() >= 3 })

	s.Dispose()
	atDispose := count.Load()
	time.Sleep(100 * time.Millisecond)
	if after := count.Load(); after > atDispose+3 {
		t.Fatalf("count after dispose = %d, want <= %d", after, atDispose+3)
	}
}

func TestScheduleAfterDispose(t *testing.T) {
	t.Parallel()
	s := New(nil)
	s.Dispose()

	if _, err := s.Schedule(time.Second, func() {}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Schedule after Dispose err = %v, want ErrDisposed", err)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestDisposeContinuesPastReleaseFailures(t *testing.T) {
	t.Parallel()
	diag := &recordingDiag{}
	s := New(diag)

	var released atomic.Int32
	ok := func() error { released.Add(1); return nil }

	mustSchedule := func(opts ...ScheduleOption) {
		t.Helper()
		if _, err := s.Schedule(time.Hour, func() {}, opts...); err != nil {
			t.Fatalf("Schedule error: %v", err)
		}
	}
	mustSchedule(WithRelease(ok))
	mustSchedule(WithRelease(func() error { return errors.New("close handle: boom") }))
	mustSchedule(WithRelease(ok))
	mustSchedule(WithRelease(func() error { panic("release exploded") }))
	mustSchedule(WithRelease(ok))

	s.Dispose()

	if n := s.Len(); n != 0 {
		t.Fatalf("Len after Dispose = %d, want 0", n)
	}
	if n := released.Load(); n != 3 {
		t.Fatalf("successful releases = %d, want 3", n)
	}

	diag.mu.Lock()
	failures := append([]string(nil), diag.disposeFailures...)
	diag.mu.Unlock()
	if len(failures) != 2 {
		t.Fatalf("dispose failures = %v, want 2 entries", failures)
	}
	joined := strings.Join(failures, "\n")
	if !strings.Contains(joined, "boom") || !strings.Contains(joined, "release exploded") {
		t.Fatalf("dispose failures missing details: %q", joined)
	}
}

func TestRemoveReportsReleaseFailure(t *testing.T) {
	t.Parallel()
	diag := &recordingDiag{}
	s := New(diag)
	defer s.Dispose()

	tok, _ := s.Schedule(time.Hour, func() {}, WithRelease(func() error { return errors.New("nope") }))
	if err := s.Remove(tok); err != nil {
		t.Fatalf("Remove err = %v, want nil", err)
	}
	_, removed, disposeFailures, _ := diag.counts()
	if removed != 1 || disposeFailures != 1 {
		t.Fatalf("removed=%d disposeFailures=%d, want 1 and 1", removed, disposeFailures)
	}
}

func TestPanickingActionStopsOnlyItsChain(t *testing.T) {
	t.Parallel()
	diag := &recordingDiag{}
	s := New(diag)
	defer s.Dispose()

	var bad, good atomic.Int64
	badTok, _ := s.Schedule(20*time.Millisecond, func() {
		bad.Add(1)
		panic("kaboom")
	}, WithName("bad"))
	_, _ = s.Schedule(20*time.Millisecond, func() { good.Add(1) }, WithName("good"))

	waitFor(t, time.Second, func() bool { return good.Load() >= 5 })

	if n := bad.Load(); n != 1 {
		t.Fatalf("bad fired %d times, want 1", n)
	}
	info, ok := s.Info(badTok)
	if !ok {
		t.Fatal("failed token should stay registered until removed")
	}
	if info.State != StateStopped || !info.Failed {
		t.Fatalf("bad info = %+v, want stopped and failed", info)
	}

	diag.mu.Lock()
	failures := append([]string(nil), diag.actionFailures...)
	diag.mu.Unlock()
	if len(failures) != 1 || !strings.HasPrefix(failures[0], "bad|") || !strings.Contains(failures[0], "kaboom") {
		t.Fatalf("action failures = %v", failures)
	}

	if err := s.Remove(badTok); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
}

func TestScheduleContextCanceledOnRemove(t *testing.T) {
	t.Parallel()
	s := New(nil)
	defer s.Dispose()

	started := make(chan struct{})
	finished := make(chan error, 1)
	var once sync.Once
	tok, err := s.ScheduleContext(10*time.Millisecond, func(ctx context.Context) {
		once.Do(func() {
			close(started)
			<-ctx.Done()
			finished <- ctx.Err()
		})
	})
	if err != nil {
		t.Fatalf("ScheduleContext error: %v", err)
	}

	<-started
	if err := s.Remove(tok); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	select {
	case err := <-finished:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("ctx.Err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("action context not canceled on Remove")
	}
}

func TestShutdownWaitsForGraceFiring(t *testing.T) {
	t.Parallel()
	s := New(nil)

	started := make(chan struct{})
	var once sync.Once
	var done atomic.Bool
	_, err := s.Schedule(10*time.Millisecond, func() {
		once.Do(func() { close(started) })
		time.Sleep(100 * time.Millisecond)
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if !done.Load() {
		t.Fatal("Shutdown returned before the in-flight firing completed")
	}
}

func TestShutdownHonorsContext(t *testing.T) {
	t.Parallel()
	s := New(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var once, releaseOnce sync.Once
	defer releaseOnce.Do(func() { close(release) })
	var finished atomic.Bool
	_, _ = s.Schedule(10*time.Millisecond, func() {
		once.Do(func() { close(started) })
		<-release
		finished.Store(true)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v, want context.DeadlineExceeded", err)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
	// An expired Shutdown does not mean the firing has returned.
	if finished.Load() {
		t.Fatal("firing finished before it was released")
	}

	releaseOnce.Do(func() { close(release) })
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := s.Shutdown(ctx2); err != nil {
		t.Fatalf("second Shutdown err = %v", err)
	}
	if !finished.Load() {
		t.Fatal("second Shutdown returned before the firing completed")
	}
}

func TestSnapshotReportsFires(t *testing.T) {
	t.Parallel()
	s := New(nil)
	defer s.Dispose()

	_, _ = s.Schedule(time.Hour, func() {}, WithName("slow"))
	fast, _ := s.Schedule(10*time.Millisecond, func() {}, WithName("fast"))

	waitFor(t, time.Second, func() bool {
		info, ok := s.Info(fast)
		return ok && info.Fires >= 2
	})

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Name != "slow" || snap[0].Fires != 0 || !snap[0].LastFire.IsZero() {
		t.Fatalf("slow info = %+v", snap[0])
	}
	if snap[1].Name != "fast" || snap[1].LastFire.IsZero() || snap[1].NextFire.IsZero() {
		t.Fatalf("fast info = %+v", snap[1])
	}
}
