package services

import (
	"strings"
	"sync"
	"time"
)

// TTL classes by how quickly the data goes stale.
const (
	AccountsTTL     = time.Hour
	TransactionsTTL = 15 * time.Minute
	BalancesTTL     = 5 * time.Minute
)

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Cache is an in-process store with per-entry expiry. Expired entries are
// removed lazily when read; nothing sweeps in the background. Two concurrent
// misses on one key may both fetch and both Set: the last write wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry), now: time.Now}
}

// Get returns the value for key, or false if it is missing or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		// Only delete if no one replaced it in the meantime.
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Set stores value until now+ttl. Entries are replaced whole, never patched.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet read.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cached is the typed read-through helper used by the aggregator.
func cached[T any](c *Cache, key string, ttl time.Duration, fetch func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// cacheKey joins the parts of a composite key. Empty parts are kept so that
// "no account" and "account X" never collide.
func cacheKey(kind string, parts ...string) string {
	return kind + "|" + strings.Join(parts, "|")
}
