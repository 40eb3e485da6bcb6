package tokenstore

import (
	"context"
	"sync"
	"time"
)

// cleanupInterval controls how often expired entries are reaped.
const cleanupInterval = 5 * time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache. Entries are dropped lazily on read
// and periodically by a background goroutine. It does not share state
// between processes; use it for a single instance or in tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stopGC  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewMemoryCache creates an empty cache and starts a background goroutine
// that removes expired entries. Call Stop to clean up the goroutine.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		stopGC:  make(chan struct{}),
		now:     time.Now,
	}
	go c.gcLoop()

	return c
}

// Stop terminates the background cleanup goroutine.
func (c *MemoryCache) Stop() {
	c.once.Do(func() { close(c.stopGC) })
}

func (c *MemoryCache) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries.
func (c *MemoryCache) cleanup() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Get returns the value for key, or nil if absent or expired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		return nil, nil
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)

	return out, nil
}

// Set stores value under key for ttl. A non-positive ttl stores nothing.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()

		return nil
	}

	v := make([]byte, len(value))
	copy(v, value)

	c.mu.Lock()
	c.entries[key] = memoryEntry{value: v, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()

	return nil
}

// Len returns the number of entries, including expired ones not yet
// reaped.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
