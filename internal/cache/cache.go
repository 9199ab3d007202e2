package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a TTL read-through cache. Concurrent misses for the same key
// coalesce into a single loader call.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*entry
	maxEntries int
	sf         singleflight.Group
}

type entry struct {
	value     interface{}
	expiresAt time.Time
	lastUsed  time.Time
}

// Loader produces a value for a key on cache miss. ok=false results are
// not stored.
type Loader func(ctx context.Context) (interface{}, bool, error)

func New(maxEntries int) *Cache {
	return &Cache{
		items:      make(map[string]*entry),
		maxEntries: maxEntries,
	}
}

// Get returns the cached value for key, loading and storing it with the
// given ttl on miss or expiry.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, loader Loader) (interface{}, bool, error) {
	now := time.Now()
	c.mu.Lock()
	if e, ok := c.items[key]; ok && now.Before(e.expiresAt) {
		e.lastUsed = now
		v := e.value
		c.mu.Unlock()
		return v, true, nil
	}
	c.mu.Unlock()

	val, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Another waiter may have populated it while we queued.
		c.mu.RLock()
		if e, ok := c.items[key]; ok && time.Now().Before(e.expiresAt) {
			v := e.value
			c.mu.RUnlock()
			return v, nil
		}
		c.mu.RUnlock()

		v, ok, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errNotFound
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err == errNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores a value with its own ttl.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &entry{value: value, expiresAt: now.Add(ttl), lastUsed: now}
	c.trimLocked()
}

// Peek returns the cached value without loading, expired entries excluded.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Delete drops a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len reports the number of stored entries, including expired ones not
// yet evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// trimLocked evicts the least recently used entry when over capacity.
func (c *Cache) trimLocked() {
	if c.maxEntries <= 0 || len(c.items) <= c.maxEntries {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range c.items {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = k
			oldest = e.lastUsed
		}
	}
	delete(c.items, oldestKey)
}

type notFoundError struct{}

func (notFoundError) Error() string { return "cache: loader reported not found" }

var errNotFound = notFoundError{}
