// ABOUTME: Thread-safe TTL cache that runs an operation once per key and replays its result
// ABOUTME: Backs Idempotency-Key handling on the admin API's mutating endpoints

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key     string
	stored  time.Time
	element *list.Element
	done    chan struct{}
	value   V
}

// Cache remembers the result of an operation per key for a TTL. A second
// caller with the same key, concurrent or later, receives the first
// caller's result instead of running the operation again. Entries are kept
// in insertion order so the oldest can be evicted in O(1) when full.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := newCache[V](ttl, maxSize, time.Now)
	go c.cleanup()
	return c
}

func newCache[V any](ttl time.Duration, maxSize int, now func() time.Time) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Do returns the cached result for key, or runs fn and caches what it
// returns. When fn reports keep=false nothing is cached and the next
// caller runs fn again. shared is true when the value came from another
// call.
func (c *Cache[V]) Do(key string, fn func() (value V, keep bool)) (v V, shared bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.expiredLocked(e) {
		c.mu.Unlock()
		<-e.done
		c.mu.Lock()
		// The owner may have discarded the entry; run again if so.
		if cur, ok := c.entries[key]; ok && cur == e {
			c.mu.Unlock()
			return e.value, true
		}
		c.mu.Unlock()
		return c.Do(key, fn)
	} else if ok {
		c.removeLocked(e)
	}

	e := &entry[V]{key: key, stored: c.now(), done: make(chan struct{})}
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	c.mu.Unlock()

	value, keep := fn()

	c.mu.Lock()
	e.value = value
	if !keep {
		if cur, ok := c.entries[key]; ok && cur == e {
			c.removeLocked(e)
		}
	}
	close(e.done)
	c.mu.Unlock()
	return value, false
}

// Len returns the number of cached keys, including ones still running.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) expiredLocked(e *entry[V]) bool {
	return c.now().Sub(e.stored) >= c.ttl
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.removeLocked(e)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.done:
			return
		}
	}
}

// prune removes expired entries from the front of the insertion order.
func (c *Cache[V]) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry[V])
		if !c.expiredLocked(e) {
			return
		}
		c.removeLocked(e)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
