package conductor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type cachedThing struct {
	Base
	Name string
}

func (c *cachedThing) EntityType() string {
	return "thing"
}

func (c *cachedThing) Snapshot() map[string]any {
	return map[string]any{"name": c.Name}
}

func (c *cachedThing) Restore(fields map[string]any) {
	c.Name, _ = fields["name"].(string)
}

func TestCacheHitAndMiss(t *testing.T) {
	cache := newEntityCache(4, time.Minute)

	_, ok := cache.get("thing:1")
	assert.False(t, ok)

	cache.put("thing:1", &cachedThing{Name: "first"})
	e, ok := cache.get("thing:1")
	assert.True(t, ok)
	assert.Equal(t, "first", e.(*cachedThing).Name)
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := newEntityCache(4, 10*time.Millisecond)

	cache.put("thing:1", &cachedThing{Name: "stale"})
	time.Sleep(25 * time.Millisecond)

	_, ok := cache.get("thing:1")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.len())
}

func TestCacheEviction(t *testing.T) {
	cache := newEntityCache(2, time.Minute)

	cache.put("thing:1", &cachedThing{Name: "one"})
	cache.put("thing:2", &cachedThing{Name: "two"})

	// touching thing:1 makes thing:2 the eviction candidate
	_, ok := cache.get("thing:1")
	assert.True(t, ok)

	cache.put("thing:3", &cachedThing{Name: "three"})
	assert.Equal(t, 2, cache.len())

	_, ok = cache.get("thing:2")
	assert.False(t, ok)
	_, ok = cache.get("thing:1")
	assert.True(t, ok)
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := newEntityCache(8, time.Minute)
	cache.put("thing:1", &cachedThing{Name: "seed"})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 200 {
				cache.put("thing:1", &cachedThing{
					Name: fmt.Sprintf("writer-%d", i),
				})
			}
		}()
		go func() {
			defer wg.Done()
			for range 200 {
				if e, ok := cache.get("thing:1"); ok {
					_ = e.(*cachedThing).Name
				}
			}
		}()
	}
	wg.Wait()

	e, ok := cache.get("thing:1")
	assert.True(t, ok)
	assert.NotEmpty(t, e.(*cachedThing).Name)
}

func TestCachePutRefreshes(t *testing.T) {
	cache := newEntityCache(4, time.Minute)

	cache.put("thing:1", &cachedThing{Name: "old"})
	cache.put("thing:1", &cachedThing{Name: "new"})
	assert.Equal(t, 1, cache.len())

	e, ok := cache.get("thing:1")
	assert.True(t, ok)
	assert.Equal(t, "new", e.(*cachedThing).Name)
}

func TestCacheRemove(t *testing.T) {
	cache := newEntityCache(4, time.Minute)

	for i := range 3 {
		cache.put(fmt.Sprintf("thing:%d", i), &cachedThing{})
	}
	cache.remove("thing:1")
	assert.Equal(t, 2, cache.len())

	_, ok := cache.get("thing:1")
	assert.False(t, ok)
}
