package mesh

import (
	"sync"
	"time"
)

type cacheEntry struct {
	msg       Message
	expiresAt time.Time
}

// messageCache remembers message ids until their expiry instant so each
// flooded message is processed at most once per node. Expired entries are
// dropped lazily on lookup and in bulk by sweep.
type messageCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newMessageCache() *messageCache {
	return &messageCache{entries: make(map[string]cacheEntry)}
}

// has reports whether id is cached and still live at now. A hit on an
// expired entry removes it and reports false, so a late duplicate is
// treated as new.
func (c *messageCache) has(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, id)
		return false
	}
	return true
}

func (c *messageCache) put(id string, msg Message, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = cacheEntry{msg: msg, expiresAt: expiresAt}
}

// sweep removes every entry expired at now and returns how many it dropped.
func (c *messageCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
			dropped++
		}
	}
	return dropped
}

func (c *messageCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *messageCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
