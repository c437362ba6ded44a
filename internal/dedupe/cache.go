// ABOUTME: Bounded, time-windowed set of message ids already shown to a client
// ABOUTME: Suppresses duplicates when a history reload overlaps live deliveries

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults sized for one client session.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 4096
)

type entry struct {
	id     string
	seenAt time.Time
}

// Cache remembers message ids for ttl, holding at most maxSize of them.
// Entries are kept in first-seen order, so expiry and eviction both pop
// from the front of the list.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. Non-positive arguments use the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithClock(ttl, maxSize, time.Now)
}

// NewWithClock creates a cache reading time from now.
func NewWithClock(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// Seen records id and reports whether it was already recorded within the
// window. The first-seen time is not refreshed by duplicates.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if _, ok := c.seen[id]; ok {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.seen[id] = c.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// Contains reports whether id is recorded, without recording it.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(c.now())
	_, ok := c.seen[id]
	return ok
}

// Forget drops id so it will be accepted again.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.seen[id]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(c.now())
	return len(c.seen)
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen = make(map[string]*list.Element)
	c.order.Init()
}

func (c *Cache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := c.order.Remove(elem).(*entry)
	delete(c.seen, e.id)
}
