package mediacache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"msgline/internal/domain"
)

// lruEntry pairs a chat/sender key with the media recorded for it.
type lruEntry struct {
	key       string
	media     domain.RecentMedia
	expiresAt time.Time
}

// MemoryCache is an in-process recent-media cache bounded by entry count
// and per-entry TTL. Least recently recorded entries are evicted first.
type MemoryCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element // key → list element
	order *list.List               // LRU order: most recently recorded at back
}

// NewMemoryCache creates a MemoryCache. maxEntries <= 0 means unbounded and
// ttl <= 0 means entries never expire.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	return &MemoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Lookup implements domain.RecentMediaCache. Expired entries are misses.
// Reading an entry does not consume it.
func (c *MemoryCache) Lookup(_ context.Context, chatID, senderJID string) (domain.RecentMedia, bool, error) {
	key := entryKey(chatID, senderJID)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return domain.RecentMedia{}, false, nil
	}
	e := elem.Value.(*lruEntry)
	if c.expired(e, c.now()) {
		c.remove(elem)
		return domain.RecentMedia{}, false, nil
	}
	return e.media, true, nil
}

// Record implements domain.RecentMediaRecorder, replacing any earlier
// media for the same chat and sender.
func (c *MemoryCache) Record(_ context.Context, chatID, senderJID string, m domain.RecentMedia) error {
	key := entryKey(chatID, senderJID)

	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, exists := c.items[key]; exists {
		e := elem.Value.(*lruEntry)
		e.media, e.expiresAt = m, expiresAt
		c.order.MoveToBack(elem)
		return nil
	}

	if c.maxEntries > 0 && c.order.Len() >= c.maxEntries {
		c.remove(c.order.Front())
	}
	c.items[key] = c.order.PushBack(&lruEntry{key: key, media: m, expiresAt: expiresAt})
	return nil
}

// Sweep drops expired entries and reports how many were removed.
func (c *MemoryCache) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if c.expired(elem.Value.(*lruEntry), now) {
			c.remove(elem)
			removed++
		}
		elem = next
	}
	return removed, nil
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close implements Cache.
func (c *MemoryCache) Close() error { return nil }

func (c *MemoryCache) expired(e *lruEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// remove deletes elem. Caller must hold c.mu.
func (c *MemoryCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}

var _ Cache = (*MemoryCache)(nil)
