package documents

import (
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	when    time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward and fires due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0)
	remaining := c.timers[:0]
	for _, timer := range c.timers {
		if !timer.stopped && !timer.when.After(c.now) {
			timer.stopped = true
			due = append(due, timer)
		} else {
			remaining = append(remaining, timer)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	for _, timer := range due {
		timer.fn()
	}
}

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *fireRecorder) fire(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, key)
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func mustDebouncer(t *testing.T, clock Clock, recorder *fireRecorder) *Debouncer {
	t.Helper()
	debouncer, err := NewDebouncer(DebouncerConfig{
		Quiet:   500 * time.Millisecond,
		MaxWait: 2 * time.Second,
		Clock:   clock,
		Fire:    recorder.fire,
	})
	if err != nil {
		t.Fatalf("failed to create debouncer: %v", err)
	}
	return debouncer
}

func TestDebouncerFiresAfterQuietWindow(t *testing.T) {
	clock := newFakeClock()
	recorder := &fireRecorder{}
	debouncer := mustDebouncer(t, clock, recorder)

	debouncer.Trigger("doc-1")
	clock.Advance(499 * time.Millisecond)
	if recorder.count() != 0 {
		t.Fatal("fired before the quiet window elapsed")
	}
	clock.Advance(1 * time.Millisecond)
	if recorder.count() != 1 {
		t.Fatalf("expected one fire after quiet window, got %d", recorder.count())
	}
}

func TestDebouncerBoundsStalenessUnderContinuousTriggers(t *testing.T) {
	clock := newFakeClock()
	recorder := &fireRecorder{}
	debouncer := mustDebouncer(t, clock, recorder)

	// A trigger every 300ms keeps resetting the quiet window; the max-wait
	// ceiling must force a fire at the 2s mark regardless.
	for elapsed := time.Duration(0); elapsed < 1800*time.Millisecond; elapsed += 300 * time.Millisecond {
		debouncer.Trigger("doc-1")
		clock.Advance(300 * time.Millisecond)
	}
	if recorder.count() != 0 {
		t.Fatalf("fired before the max-wait ceiling, count=%d", recorder.count())
	}
	debouncer.Trigger("doc-1")
	clock.Advance(200 * time.Millisecond)
	if recorder.count() != 1 {
		t.Fatalf("expected forced fire at the max-wait ceiling, got %d", recorder.count())
	}
}

func TestDebouncerTracksKeysIndependently(t *testing.T) {
	clock := newFakeClock()
	recorder := &fireRecorder{}
	debouncer := mustDebouncer(t, clock, recorder)

	debouncer.Trigger("doc-1")
	clock.Advance(300 * time.Millisecond)
	debouncer.Trigger("doc-2")
	clock.Advance(200 * time.Millisecond)

	recorder.mu.Lock()
	fired := append([]string(nil), recorder.fired...)
	recorder.mu.Unlock()
	if len(fired) != 1 || fired[0] != "doc-1" {
		t.Fatalf("expected only doc-1 to have fired, got %v", fired)
	}

	clock.Advance(300 * time.Millisecond)
	if recorder.count() != 2 {
		t.Fatalf("expected doc-2 to fire on its own window, got %d", recorder.count())
	}
}

func TestDebouncerFlushFiresImmediately(t *testing.T) {
	clock := newFakeClock()
	recorder := &fireRecorder{}
	debouncer := mustDebouncer(t, clock, recorder)

	debouncer.Trigger("doc-1")
	debouncer.Flush("doc-1")
	if recorder.count() != 1 {
		t.Fatalf("expected flush to fire, got %d", recorder.count())
	}

	clock.Advance(time.Second)
	if recorder.count() != 1 {
		t.Fatalf("stale timer fired after flush, got %d", recorder.count())
	}

	// Flushing an idle key is a no-op.
	debouncer.Flush("doc-1")
	if recorder.count() != 1 {
		t.Fatalf("flush of idle key fired, got %d", recorder.count())
	}
}

func TestDebouncerCloseFlushesPendingKeys(t *testing.T) {
	clock := newFakeClock()
	recorder := &fireRecorder{}
	debouncer := mustDebouncer(t, clock, recorder)

	debouncer.Trigger("doc-1")
	debouncer.Trigger("doc-2")
	debouncer.Close()
	if recorder.count() != 2 {
		t.Fatalf("expected close to flush both keys, got %d", recorder.count())
	}

	debouncer.Trigger("doc-3")
	clock.Advance(time.Second)
	if recorder.count() != 2 {
		t.Fatal("trigger after close must be rejected")
	}
}
