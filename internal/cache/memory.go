package cache

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	index     int
}

// expiryHeap orders entries soonest-expiring first.
type expiryHeap []*memEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *expiryHeap) Push(x any) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// MemoryCache is an in-process TTL cache holding at most capacity entries.
// When full, expired entries go first, then the entry closest to expiry.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	byExpiry expiryHeap
	capacity int
	now      func() time.Time

	hits, misses, evictions int64
}

// NewMemoryCache returns a cache bounded to capacity entries.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryCache{
		entries:  make(map[string]*memEntry),
		capacity: capacity,
		now:      time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(e)
		c.misses++
		return nil, false, nil
	}
	c.hits++
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	value = append([]byte(nil), value...)
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		heap.Fix(&c.byExpiry, e.index)
		return nil
	}

	if len(c.entries) >= c.capacity {
		c.purgeExpiredLocked()
	}
	for len(c.entries) >= c.capacity {
		victim := heap.Pop(&c.byExpiry).(*memEntry)
		delete(c.entries, victim.key)
		c.evictions++
	}

	e := &memEntry{key: key, value: value, expiresAt: expiresAt}
	heap.Push(&c.byExpiry, e)
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) purgeExpiredLocked() {
	now := c.now()
	for len(c.byExpiry) > 0 && !now.Before(c.byExpiry[0].expiresAt) {
		e := heap.Pop(&c.byExpiry).(*memEntry)
		delete(c.entries, e.key)
	}
}

func (c *MemoryCache) removeLocked(e *memEntry) {
	heap.Remove(&c.byExpiry, e.index)
	delete(c.entries, e.key)
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memEntry)
	c.byExpiry = nil
	return nil
}

func (c *MemoryCache) Stats(_ context.Context) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		MaxSize:   c.capacity,
	}, nil
}

func (c *MemoryCache) Close() error {
	return c.Clear(context.Background())
}
