package composite

import (
	"sync"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/observability"
)

// cachedField wraps a YearField with an in-memory LRU of snapshots keyed by
// JD. Tracks alive at the same step share one read.
type cachedField struct {
	YearField
	cache   *lruCache[domain.JD, []float64]
	metrics *observability.Metrics
}

func newCachedField(inner YearField, maxEntries int, metrics *observability.Metrics) *cachedField {
	return &cachedField{
		YearField: inner,
		cache:     newLRUCache[domain.JD, []float64](maxEntries),
		metrics:   metrics,
	}
}

// Snapshot returns the cached values for jd, reading through on a miss.
// Callers must not modify the returned slice.
func (c *cachedField) Snapshot(jd domain.JD) ([]float64, error) {
	if v, ok := c.cache.get(jd); ok {
		c.count("hit")
		return v, nil
	}
	c.count("miss")
	v, err := c.YearField.Snapshot(jd)
	if err != nil {
		return nil, err
	}
	c.cache.put(jd, v)
	return v, nil
}

func (c *cachedField) count(result string) {
	if c.metrics != nil {
		c.metrics.SnapshotCache.WithLabelValues(result).Inc()
	}
}

// lruCache is a simple thread-safe LRU cache.
type lruCache[K comparable, V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[K]*entry[K, V]
	head       *entry[K, V] // most recently used
	tail       *entry[K, V] // least recently used
}

type entry[K comparable, V any] struct {
	key   K
	value V
	prev  *entry[K, V]
	next  *entry[K, V]
}

func newLRUCache[K comparable, V any](maxEntries int) *lruCache[K, V] {
	return &lruCache[K, V]{
		maxEntries: max(maxEntries, 1),
		entries:    make(map[K]*entry[K, V]),
	}
}

func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[K, V]) put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry[K, V]{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[K, V]) moveToFront(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache[K, V]) addToFront(e *entry[K, V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[K, V]) remove(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[K, V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
