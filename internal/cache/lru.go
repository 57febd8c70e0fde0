package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// LRU is a least-recently-used cache bounded by total cost. The cost of a
// value is given by the sizeOf function; a nil sizeOf counts entries.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[K]*list.Element
	evictList *list.List
	sizeOf    func(V) int64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry[K comparable, V any] struct {
	key   K
	value V
	cost  int64
}

// NewLRU creates an LRU holding at most capacity cost units.
func NewLRU[K comparable, V any](capacity int64, sizeOf func(V) int64) *LRU[K, V] {
	if sizeOf == nil {
		sizeOf = func(V) int64 { return 1 }
	}
	return &LRU[K, V]{
		capacity:  capacity,
		items:     make(map[K]*list.Element),
		evictList: list.New(),
		sizeOf:    sizeOf,
	}
}

// Get returns a cached value and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry[K, V]).value, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Set caches a value. Values costing more than the whole capacity are not
// cached.
func (c *LRU[K, V]) Set(key K, v V) {
	cost := c.sizeOf(v)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cost > c.capacity {
		return
	}
	if ent, ok := c.items[key]; ok {
		e := ent.Value.(*entry[K, V])
		c.size += cost - e.cost
		e.value, e.cost = v, cost
		c.evictList.MoveToFront(ent)
		c.evict()
		return
	}

	for c.size+cost > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
		c.evictions.Add(1)
	}
	c.items[key] = c.evictList.PushFront(&entry[K, V]{key: key, value: v, cost: cost})
	c.size += cost
}

// Remove drops key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.items[key]
	if ok {
		c.removeElement(ent)
	}
	return ok
}

// Invalidate removes entries matching the predicate.
func (c *LRU[K, V]) Invalidate(predicate func(key K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, element := range c.items {
		if predicate(key) {
			toRemove = append(toRemove, element)
		}
	}
	for _, e := range toRemove {
		c.removeElement(e)
	}
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the total cost of cached entries.
func (c *LRU[K, V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns hit, miss and eviction counters.
func (c *LRU[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
		Size:      c.Size(),
	}
}

// Stats summarizes cache activity.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	Size      int64 `json:"size"`
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Hits:      s.Hits + o.Hits,
		Misses:    s.Misses + o.Misses,
		Evictions: s.Evictions + o.Evictions,
		Entries:   s.Entries + o.Entries,
		Size:      s.Size + o.Size,
	}
}

func (c *LRU[K, V]) evict() {
	for c.size > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
		c.evictions.Add(1)
	}
}

func (c *LRU[K, V]) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	kv := e.Value.(*entry[K, V])
	delete(c.items, kv.key)
	c.size -= kv.cost
}
