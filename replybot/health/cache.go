package health

import (
	"context"
	"sync"
	"time"
)

// CachingProvider memoizes successful snapshots per scope for a short TTL so
// bursts of triggers in one workspace do not each hit the health backend.
// Failures are never cached.
type CachingProvider struct {
	next     Provider
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	items map[Scope]*cacheEntry
	head  *cacheEntry // most recently used
	tail  *cacheEntry
}

type cacheEntry struct {
	scope     Scope
	snap      Snapshot
	expiresAt time.Time
	prev      *cacheEntry
	next      *cacheEntry
}

// NewCachingProvider wraps next with an LRU of at most capacity scopes.
func NewCachingProvider(next Provider, ttl time.Duration, capacity int) *CachingProvider {
	if capacity <= 0 {
		capacity = 1024
	}
	return &CachingProvider{
		next:     next,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		items:    make(map[Scope]*cacheEntry),
	}
}

// GetHealth serves a cached snapshot while it is fresh.
func (c *CachingProvider) GetHealth(ctx context.Context, scope Scope) (Snapshot, error) {
	if snap, ok := c.get(scope); ok {
		return snap, nil
	}

	snap, err := c.next.GetHealth(ctx, scope)
	if err != nil {
		return Snapshot{}, err
	}
	c.set(scope, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for scope.
func (c *CachingProvider) Invalidate(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[scope]; ok {
		c.unlink(e)
		delete(c.items, scope)
	}
}

func (c *CachingProvider) get(scope Scope) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[scope]
	if !ok {
		return Snapshot{}, false
	}
	if !c.now().Before(e.expiresAt) {
		c.unlink(e)
		delete(c.items, scope)
		return Snapshot{}, false
	}
	c.moveToFront(e)
	return e.snap, true
}

func (c *CachingProvider) set(scope Scope, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if e, ok := c.items[scope]; ok {
		e.snap = snap
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return
	}

	e := &cacheEntry{scope: scope, snap: snap, expiresAt: expiresAt}
	c.pushFront(e)
	c.items[scope] = e

	if len(c.items) > c.capacity {
		lru := c.tail
		c.unlink(lru)
		delete(c.items, lru.scope)
	}
}

func (c *CachingProvider) moveToFront(e *cacheEntry) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *CachingProvider) pushFront(e *cacheEntry) {
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

func (c *CachingProvider) unlink(e *cacheEntry) {
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
	e.prev = nil
	e.next = nil
}
