package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-memory Cache used by tests and by runs with caching
// disabled but metrics still wanted. It applies the same dependency
// verification as the persistent cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Entry)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key Key, sourceDir string) (*Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key.Hash()]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !verifyDeps(entry.Deps, sourceDir) {
		c.mu.Lock()
		delete(c.entries, key.Hash())
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry, true, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, key Key, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.Hash()] = entry
	return nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error { return nil }

// Len returns the number of stored entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
