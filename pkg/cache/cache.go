// Package cache provides a generic thread-safe in-memory cache with hit/miss
// statistics. Entries live until explicitly deleted or cleared; the daemon
// uses it for process-lifetime lookup tables such as the sensor identity map.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// maxKeyLength bounds cache keys to keep hostile senders from ballooning
// memory through the key index.
const maxKeyLength = 256

// Cache is a thread-safe string-keyed cache for values of type V.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]V
	stats Statistics
}

// Statistics tracks cache effectiveness with atomic counters.
type Statistics struct {
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// Hits returns the number of cache hits.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of cache misses.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of cache writes.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// HitRate returns the fraction of lookups that hit, or 0 with no lookups.
func (s *Statistics) HitRate() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{
		items: make(map[string]V),
	}
}

// Get retrieves a value by key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	value, exists := c.items[key]
	c.mu.RUnlock()

	if exists {
		c.stats.hits.Add(1)
	} else {
		c.stats.misses.Add(1)
	}

	return value, exists
}

// Set stores a value with the given key. Returns true if a new entry was
// created, false if an existing entry was overwritten.
func (c *Cache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = value
	c.mu.Unlock()

	c.stats.sets.Add(1)
	return !exists, nil
}

// Delete removes an entry by key. Returns true if the entry existed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	_, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	c.mu.Unlock()
	return exists
}

// Len returns the number of entries in the cache.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]V)
	c.mu.Unlock()
}

// Stats returns the cache statistics.
func (c *Cache[V]) Stats() *Statistics {
	return &c.stats
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache: key cannot be empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("cache: key exceeds %d bytes", maxKeyLength)
	}
	return nil
}
