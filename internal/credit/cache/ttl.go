package cache

import (
	"sync"
	"time"

	"github.com/lernova/credits/internal/clock"
)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// TTLCache is a mutex-guarded map whose entries expire a fixed
// duration after they were stored.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	ttl     time.Duration
	clk     clock.Clock
}

// NewTTLCache returns an empty cache with the given entry lifetime.
func NewTTLCache[K comparable, V any](ttl time.Duration, clk clock.Clock) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		clk:     clk,
	}
}

// Get returns the entry when it is younger than the TTL. Expired
// entries are left in place for the idle sweeper.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.clk.Now().Sub(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores the value, restarting its TTL window.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, fetchedAt: c.clk.Now()}
}

// Delete removes the entry immediately.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep drops entries idle beyond the horizon and returns how many
// were evicted. Bounds memory across many distinct keys.
func (c *TTLCache[K, V]) Sweep(idleHorizon time.Duration) int {
	cutoff := c.clk.Now().Add(-idleHorizon)
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, e := range c.entries {
		if e.fetchedAt.Before(cutoff) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of live and expired entries held.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
