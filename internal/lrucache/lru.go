// Package lrucache implements a capacity-bounded, insertion-ordered LRU
// map: a single mutex guarding a map plus an intrusive doubly-linked
// list, in the same shape as a cache wrapping a single guarded map that
// the rest of this module's background-loop idiom is built on.
package lrucache

import (
	"container/list"
	"sync"
)

// entry is one list element's payload. Get reports a missing key through
// its second return value, so a stored nil/zero value stays distinct
// from "no entry".
type entry struct {
	key   string
	value any
}

// Cache is a fixed-capacity LRU map. Zero value is not usable; use New.
type Cache struct {
	mu       sync.Mutex
	maxSize  int
	ll       *list.List
	elements map[string]*list.Element

	onEvict func(key string, value any)
}

// New creates a Cache with the given capacity. maxSize must be >= 1.
func New(maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		maxSize:  maxSize,
		ll:       list.New(),
		elements: make(map[string]*list.Element, maxSize),
	}
}

// OnEvict registers a callback invoked synchronously whenever an entry is
// evicted due to capacity overflow (not on explicit Delete).
func (c *Cache) OnEvict(fn func(key string, value any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the value for key and promotes it to most-recently-used.
// The second return value is false when the key is absent - distinct
// from a stored nil value, which returns (nil, true).
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.elements[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Set inserts or updates key, promoting it to most-recently-used. If the
// cache exceeds its capacity as a result, the least-recently-used entry
// is evicted.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[key]; ok {
		el.Value.(*entry).value = value
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{key: key, value: value})
	c.elements[key] = el

	if c.ll.Len() > c.maxSize {
		c.evictOldest()
	}
}

// Delete removes key, if present. It does not invoke the eviction
// callback (explicit removal is not an overflow eviction).
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elements[key]; ok {
		c.ll.Remove(el)
		delete(c.elements, key)
	}
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	ent := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.elements, ent.key)
	if c.onEvict != nil {
		c.onEvict(ent.key, ent.value)
	}
}
