package documents

import (
	"errors"
	"sync"
	"time"
)

var (
	errMissingFire    = errors.New("debouncer: fire callback is required")
	errInvalidWindows = errors.New("debouncer: quiet window must be positive and max wait at least quiet")
)

// Clock abstracts timer creation so debounce windows are testable without
// wall-clock delays.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

// DebouncerConfig describes one debounce policy shared by all keys.
type DebouncerConfig struct {
	// Quiet is how long a key must stay idle before it fires.
	Quiet time.Duration
	// MaxWait bounds staleness: a key fires at most this long after its
	// first un-fired trigger even if triggers keep arriving.
	MaxWait time.Duration
	Clock   Clock
	// Fire runs on a timer goroutine once per elapsed window.
	Fire func(key string)
}

type debounceEntry struct {
	timer    Timer
	deadline time.Time
}

// Debouncer coalesces bursts of triggers per key into single Fire calls.
// Each key is an independent quiet/max-wait timer state machine.
type Debouncer struct {
	quiet   time.Duration
	maxWait time.Duration
	clock   Clock
	fire    func(key string)

	mu      sync.Mutex
	pending map[string]*debounceEntry
	closed  bool
}

// NewDebouncer validates the configuration and constructs a Debouncer.
func NewDebouncer(cfg DebouncerConfig) (*Debouncer, error) {
	if cfg.Fire == nil {
		return nil, errMissingFire
	}
	if cfg.Quiet <= 0 || cfg.MaxWait < cfg.Quiet {
		return nil, errInvalidWindows
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Debouncer{
		quiet:   cfg.Quiet,
		maxWait: cfg.MaxWait,
		clock:   clock,
		fire:    cfg.Fire,
		pending: make(map[string]*debounceEntry),
	}, nil
}

// Trigger arms the key's quiet timer, or extends it when already armed. The
// extension never pushes the fire past the key's max-wait deadline.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	now := d.clock.Now()
	entry, armed := d.pending[key]
	if armed {
		entry.timer.Stop()
	} else {
		entry = &debounceEntry{deadline: now.Add(d.maxWait)}
		d.pending[key] = entry
	}

	wait := d.quiet
	if remaining := entry.deadline.Sub(now); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		delete(d.pending, key)
		d.mu.Unlock()
		d.fire(key)
		return
	}

	entry.timer = d.clock.AfterFunc(wait, func() {
		d.expire(key)
	})
	d.mu.Unlock()
}

func (d *Debouncer) expire(key string) {
	d.mu.Lock()
	_, armed := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()
	if armed {
		d.fire(key)
	}
}

// Flush fires the key immediately if a window is pending.
func (d *Debouncer) Flush(key string) {
	d.mu.Lock()
	entry, armed := d.pending[key]
	if armed {
		entry.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if armed {
		d.fire(key)
	}
}

// Close fires every pending key and rejects further triggers.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	keys := make([]string, 0, len(d.pending))
	for key, entry := range d.pending {
		entry.timer.Stop()
		keys = append(keys, key)
	}
	d.pending = make(map[string]*debounceEntry)
	d.mu.Unlock()

	for _, key := range keys {
		d.fire(key)
	}
}
