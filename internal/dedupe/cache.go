// Package dedupe remembers which news mentions the ingest worker has already
// appended, so Kafka redeliveries do not produce duplicate rows.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Store records processed document ids.
type Store interface {
	// Claim records id and reports whether this call recorded it first
	// within the ttl window. Concurrent claims of one id see exactly one true.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a later delivery can claim it again.
	Release(ctx context.Context, id string) error
}

type entry struct {
	key string
	ts  time.Time
}

// Cache is an in-process Store holding a bounded number of recent ids.
type Cache struct {
	mu       sync.Mutex
	items    map[string]time.Time
	order    []entry
	capacity int
	ttl      time.Duration
}

// NewCache creates a cache with the provided capacity and ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		items:    make(map[string]time.Time, capacity),
		order:    make([]entry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Claim never fails. Recording id evicts expired or overflowing entries,
// oldest first.
func (c *Cache) Claim(_ context.Context, id string) (bool, error) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ts, ok := c.items[id]; ok && now.Sub(ts) <= c.ttl {
		return false, nil
	}
	c.items[id] = now
	c.order = append(c.order, entry{key: id, ts: now})
	c.compact(now)
	return true, nil
}

// Release never fails.
func (c *Cache) Release(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, id)
	return nil
}

// Len is the number of ids currently remembered.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) compact(now time.Time) {
	cutoff := now.Add(-c.ttl)

	for len(c.order) > 0 && (len(c.items) > c.capacity || c.order[0].ts.Before(cutoff)) {
		oldest := c.order[0]
		c.order = c.order[1:]

		if ts, ok := c.items[oldest.key]; ok && ts.Equal(oldest.ts) {
			delete(c.items, oldest.key)
		}
	}
}
