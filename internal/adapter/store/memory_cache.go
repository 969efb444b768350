package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	mu       sync.Mutex
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return e.value == nil || (e.ttl > 0 && now.Sub(e.storedAt) >= e.ttl)
}

// MemoryCache is a process-local cache. Each key has its own lock and
// entries expire lazily when read.
type MemoryCache struct {
	entries sync.Map // string -> *memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

// NewMemoryCacheWithClock is used by tests to control expiry.
func NewMemoryCacheWithClock(now func() time.Time) *MemoryCache {
	return &MemoryCache{now: now}
}

func (c *MemoryCache) entry(key string) *memoryEntry {
	v, _ := c.entries.LoadOrStore(key, &memoryEntry{})
	return v.(*memoryEntry)
}

func (c *MemoryCache) Get(_ context.Context, key string, dst any) (bool, error) {
	v, ok := c.entries.Load(key)
	if !ok {
		return false, nil
	}
	e := v.(*memoryEntry)
	e.mu.Lock()
	if e.expired(c.now()) {
		e.value = nil
		e.mu.Unlock()
		return false, nil
	}
	raw := e.value
	e.mu.Unlock()

	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding cached %q: %w", key, err)
	}
	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	e := c.entry(key)
	e.mu.Lock()
	e.value = raw
	e.storedAt = c.now()
	e.ttl = ttl
	e.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.entries.Delete(k)
	}
	return nil
}

func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) error {
	c.entries.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			c.entries.Delete(k)
		}
		return true
	})
	return nil
}
