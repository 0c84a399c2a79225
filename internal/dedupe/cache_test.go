// ABOUTME: Tests for the idempotency key cache.
// ABOUTME: Validates TTL expiration, size limits, eviction order, cleanup, and concurrent claims.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := New(Config{TTL: ttl, MaxSize: maxSize, CleanupInterval: time.Hour, Now: clock.Now})
	t.Cleanup(cache.Close)
	return cache, clock
}

func TestCache_ClaimOnce(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	assert.True(t, cache.Claim("req-1"))
	assert.False(t, cache.Claim("req-1"))
	assert.True(t, cache.Claim("req-2"))
	assert.Equal(t, 2, cache.Len())
}

func TestCache_ClaimAfterExpiry(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)

	assert.True(t, cache.Claim("req"))
	clock.Advance(59 * time.Second)
	assert.False(t, cache.Claim("req"))

	clock.Advance(time.Second)
	assert.True(t, cache.Claim("req"))
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Release(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 100)

	assert.True(t, cache.Claim("req"))
	cache.Release("req")
	assert.True(t, cache.Claim("req"))

	cache.Release("never-claimed")
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	cache, clock := newTestCache(t, time.Hour, 3)

	for _, k := range []string{"a", "b", "c"} {
		assert.True(t, cache.Claim(k))
		clock.Advance(time.Second)
	}
	assert.True(t, cache.Claim("d"))
	assert.Equal(t, 3, cache.Len())

	// "a" was evicted, the rest are remembered.
	assert.True(t, cache.Claim("a"))
	assert.False(t, cache.Claim("c"))
	assert.False(t, cache.Claim("d"))
}

func TestCache_RemoveExpired(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)

	cache.Claim("old-1")
	cache.Claim("old-2")
	clock.Advance(30 * time.Second)
	cache.Claim("fresh")
	clock.Advance(45 * time.Second)

	cache.removeExpired()
	assert.Equal(t, 1, cache.Len())
	assert.False(t, cache.Claim("fresh"))
}

func TestCache_ConcurrentClaims(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 100)

	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Claim("contended") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners.Load())
}

func TestCache_Defaults(t *testing.T) {
	cache := New(Config{})
	defer cache.Close()

	assert.Equal(t, DefaultTTL, cache.ttl)
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}

func TestCache_CloseIdempotent(t *testing.T) {
	cache := New(Config{})
	cache.Close()
	cache.Close()
}
