package conductor

import (
	"container/list"
	"sync"
	"time"
)

type (
	// entityCache is the write-through cache consulted by the dispatcher's
	// load stage. Entries past their TTL are treated as misses and evicted
	// lazily on read; there is no background sweep
	entityCache struct {
		cache   map[string]*list.Element
		lru     *list.List
		maxSize int
		ttl     time.Duration
		mu      sync.RWMutex
	}

	cacheEntry struct {
		entity   Entity
		key      string
		storedAt time.Time
	}
)

func newEntityCache(maxSize int, ttl time.Duration) *entityCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &entityCache{
		cache:   map[string]*list.Element{},
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// get holds the lock across the TTL check and value read; put mutates
// entries in place, so an unlocked read would race with it
func (c *entityCache) get(key string) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.lru.Remove(elem)
		delete(c.cache, key)
		return nil, false
	}

	c.lru.MoveToFront(elem)
	return entry.entity, true
}

func (c *entityCache) put(key string, e Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.entity = e
		entry.storedAt = time.Now()
		c.lru.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{key: key, entity: e, storedAt: time.Now()}
	elem := c.lru.PushFront(entry)
	c.cache[key] = elem

	if c.lru.Len() > c.maxSize {
		c.evictLast()
	}
}

func (c *entityCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.Remove(elem)
		delete(c.cache, key)
	}
}

func (c *entityCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// evictLast drops the least recently used entry; callers hold the write
// lock
func (c *entityCache) evictLast() {
	back := c.lru.Back()
	if back != nil {
		c.lru.Remove(back)
		backEntry := back.Value.(*cacheEntry)
		delete(c.cache, backEntry.key)
	}
}
