// ABOUTME: Thread-safe TTL cache that remembers idempotency keys
// ABOUTME: Lets the HTTP layer refuse replays of a tool call within a window

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Config fields are zero.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

// Config configures a Cache.
type Config struct {
	TTL     time.Duration
	MaxSize int
	// CleanupInterval is how often expired keys are dropped. Zero means one minute.
	CleanupInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type cacheEntry struct {
	claimedAt time.Time
	element   *list.Element
}

// Cache records claimed keys for a TTL. When full, the oldest claim is
// dropped. Keys are kept in claim order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its cleanup goroutine. Call Close to stop it.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup(cfg.CleanupInterval)
	return c
}

// Claim records key and reports whether this is its first use within the TTL.
// Check and record happen under one lock, so concurrent claims of the same
// key see exactly one winner.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.claimedAt) < c.ttl {
			return false
		}
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{claimedAt: now, element: c.order.PushBack(key)}
	return true
}

// Release forgets key so it can be claimed again.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest removes the oldest claim. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops expired claims. Claims are ordered by time, so it stops
// at the first live one.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.claimedAt) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
