// ABOUTME: Thread-safe fixed-window rate limiter keyed by API key identifier.
// ABOUTME: Entries are created lazily and evicted by a background sweeper once idle.

package ratelimit

import (
	"sync"
	"time"
)

// Defaults applied by New.
const (
	DefaultLimit  = 100
	DefaultWindow = time.Minute
)

// Config configures a Limiter.
type Config struct {
	// Limit is the number of requests allowed per window. Zero or less
	// means DefaultLimit; limiting cannot be turned off.
	Limit int
	// Window is the length of each fixed window. Defaults to DefaultWindow.
	Window time.Duration
	// IdleTTL is how long an entry may go unused before it is evicted.
	// Defaults to twice the window.
	IdleTTL time.Duration
	// SweepInterval is how often idle entries are collected. Defaults to a minute.
	SweepInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is the time until the current window ends. Zero when allowed.
	RetryAfter time.Duration
	ResetAt    time.Time
}

// entry tracks one key's current window. count never exceeds the limit.
type entry struct {
	mu       sync.Mutex
	start    time.Time
	count    int
	lastSeen time.Time
	evicted  bool
}

// Limiter enforces a request ceiling per key over fixed windows.
// Each key's entry is serialized by its own mutex, so different keys never
// contend beyond the brief table lookup.
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]*entry

	limit   int
	window  time.Duration
	idleTTL time.Duration
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a Limiter and starts its background sweeper.
func New(cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * cfg.Window
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	l := &Limiter{
		entries: make(map[string]*entry),
		limit:   cfg.Limit,
		window:  cfg.Window,
		idleTTL: cfg.IdleTTL,
		now:     cfg.Now,
		done:    make(chan struct{}),
	}
	go l.sweep(cfg.SweepInterval)
	return l
}

// Allow charges one request against key and reports whether it may proceed.
// A rejected request does not advance the count.
func (l *Limiter) Allow(key string) Decision {
	for {
		e := l.entry(key)

		e.mu.Lock()
		if e.evicted {
			// Lost a race with the sweeper; fetch the replacement entry.
			e.mu.Unlock()
			continue
		}
		d := l.charge(e)
		e.mu.Unlock()
		return d
	}
}

// charge applies the fixed-window algorithm. Must be called with e.mu held.
func (l *Limiter) charge(e *entry) Decision {
	now := l.now()
	e.lastSeen = now

	if e.start.IsZero() || now.Sub(e.start) >= l.window {
		e.start = now
		e.count = 0
	}
	reset := e.start.Add(l.window)

	if e.count < l.limit {
		e.count++
		return Decision{
			Allowed:   true,
			Limit:     l.limit,
			Remaining: l.limit - e.count,
			ResetAt:   reset,
		}
	}

	return Decision{
		Allowed:    false,
		Limit:      l.limit,
		Remaining:  0,
		RetryAfter: reset.Sub(now),
		ResetAt:    reset,
	}
}

// entry returns the entry for key, creating it if needed.
func (l *Limiter) entry(key string) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// sweep runs in a background goroutine, periodically evicting idle entries.
func (l *Limiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Evict()
		case <-l.done:
			return
		}
	}
}

// Evict removes entries idle for longer than the idle TTL and returns how
// many were removed.
func (l *Limiter) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		e.mu.Lock()
		if now.Sub(e.lastSeen) > l.idleTTL {
			e.evicted = true
			delete(l.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Close stops the background sweeper. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
