package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-entry TTL and an entry cap.
// When full, an expired entry is evicted first, otherwise an arbitrary one.
type MemoryStore struct {
	mu         sync.RWMutex
	items      map[string]memItem
	maxEntries int
	now        func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore starts the background cleanup loop, which stops when ctx is
// cancelled or Close is called. maxEntries <= 0 means unbounded.
func NewMemoryStore(ctx context.Context, maxEntries int) *MemoryStore {
	c := &MemoryStore{
		items:      make(map[string]memItem),
		maxEntries: maxEntries,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

func (c *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key. A zero or negative ttl means one hour.
func (c *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictOneLocked(now)
	}
	c.items[key] = memItem{data: value, expiresAt: now.Add(ttl)}
	return nil
}

func (c *MemoryStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len includes entries that expired but were not evicted yet.
func (c *MemoryStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *MemoryStore) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryStore) evictOneLocked(now time.Time) {
	var victim string
	for k, v := range c.items {
		victim = k
		if now.After(v.expiresAt) {
			break
		}
	}
	delete(c.items, victim)
}

func (c *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryStore) evictExpired() {
	now := c.now()

	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
