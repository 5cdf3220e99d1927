package mcp

import (
	"sync"
	"time"
)

type cacheItem struct {
	result     *CallResult
	expiration time.Time
}

// resultCache is a minimal in-memory TTL cache for read-only tool results,
// safe for concurrent access. Any successful write tool purges it, so a
// cached read never outlives the data it was computed from by more than the
// TTL under a single server instance.
type resultCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
}

func newResultCache() *resultCache {
	return &resultCache{items: make(map[string]cacheItem)}
}

func (c *resultCache) set(key string, result *CallResult, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem{result: result, expiration: time.Now().Add(ttl)}
}

func (c *resultCache) get(key string) (*CallResult, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(it.expiration) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return it.result, true
}

func (c *resultCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cacheItem)
}
