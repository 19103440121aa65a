// ABOUTME: Bounded TTL set of recently handled event IDs.
// ABOUTME: The Matrix frontend uses it to drop redelivered sync events.

package dedupe

import (
	"sync"
	"time"
)

// Defaults used by the Matrix frontend.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 4096
)

// Cache remembers keys for ttl, holding at most maxSize of them. Keys are
// kept in a ring in insertion order; the oldest slot is overwritten when the
// ring is full. Expired keys are dropped lazily.
type Cache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	ring []string
	next int
	now  func() time.Time
}

// New creates a Cache. Non-positive arguments select the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		ttl:  ttl,
		seen: make(map[string]time.Time, maxSize),
		ring: make([]string, maxSize),
		now:  time.Now,
	}
}

// Seen records key and reports whether it was already present and live.
// Check and record happen under one lock.
func (c *Cache) Seen(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	if _, ok := c.seen[key]; !ok {
		if old := c.ring[c.next]; old != "" {
			delete(c.seen, old)
		}
		c.ring[c.next] = key
		c.next = (c.next + 1) % len(c.ring)
	}
	// An expired key keeps its ring slot and gets a fresh timestamp.
	c.seen[key] = now
	return false
}

// contains reports whether key is present and live without recording it.
func (c *Cache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[key]
	return ok && c.now().Sub(at) < c.ttl
}

// Len returns the number of stored keys, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
