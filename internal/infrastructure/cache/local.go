package cache

import (
	"container/list"
	"sync"
	"time"
)

// LocalCache is a bounded in-process L1 with TTL and LRU eviction. It
// fronts the redis L2 on the query read path and backs the preset
// resolver. Not shared across processes; invalidation is best effort.
type LocalCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	hits   int64
	misses int64
}

type localEntry struct {
	key       string
	value     string
	expiresAt time.Time
}

// NewLocalCache creates an L1 cache holding at most capacity entries.
func NewLocalCache(capacity int) *LocalCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached value and whether it was present and fresh.
func (c *LocalCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}

	entry := el.Value.(*localEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return "", false
	}

	c.order.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Set stores a value, evicting the least recently used entry if full.
// A zero ttl means no expiry.
func (c *LocalCache) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*localEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*localEntry).key)
		}
	}

	c.entries[key] = c.order.PushFront(&localEntry{key: key, value: value, expiresAt: expiresAt})
}

// Delete removes a key.
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Purge removes everything.
func (c *LocalCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Stats returns hit/miss counters and the current size.
func (c *LocalCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}
