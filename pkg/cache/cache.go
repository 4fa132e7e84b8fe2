// Package cache provides a bounded in-memory response cache with per-entry
// expiry. Eviction is FIFO: when the cache is full, the oldest inserted key
// is dropped to make room. A background sweep removes expired entries on a
// fixed interval, and expiry is additionally enforced on every read so a
// stale entry is never returned between sweeps.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is applied to entries inserted without an explicit expiry.
const DefaultTTL = 5 * time.Minute

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 30 * time.Second

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a size-bounded key/value store with per-entry expiry.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	index      []string // insertion order, position 0 is the eviction candidate
	maxEntries int
	defaultTTL time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// Config holds cache configuration
type Config struct {
	MaxEntries    int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns a sensible default cache configuration
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:    1000,
		DefaultTTL:    DefaultTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// New creates a cache and starts its background sweep.
func New(cfg *Config) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Cache{
		entries:    make(map[string]entry),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		done:       make(chan struct{}),
	}

	go c.sweepLoop(cfg.SweepInterval)

	return c
}

// Set stores a value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value under key with an explicit TTL. Callers use a
// short TTL as a liveness marker, e.g. a transaction still at height 0.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil {
		return
	}

	if _, exists := c.entries[key]; !exists {
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
		c.index = append(c.index, key)
	}

	c.entries[key] = entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Get returns the value stored under key, or false if the key is absent or
// its entry has expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	return e.value, true
}

// Len returns the current number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
	c.index = c.index[:0]
}

// Stop halts the background sweep and releases storage. The cache must not
// be reused after Stop.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.entries = nil
		c.index = nil
		c.mu.Unlock()
	})
}

// evictOldestLocked drops the entry at index position 0.
func (c *Cache) evictOldestLocked() {
	if len(c.index) == 0 {
		return
	}
	oldest := c.index[0]
	c.index = c.index[1:]
	delete(c.entries, oldest)
}

// removeLocked deletes key from both the store and the index, preserving
// the store/index bijection.
func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.index {
		if k == key {
			c.index = append(c.index[:i], c.index[i+1:]...)
			break
		}
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil {
		return
	}

	now := time.Now()
	var expired []string
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeLocked(key)
	}
}
