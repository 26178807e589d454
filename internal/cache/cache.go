// Package cache provides the TTL-bounded key-value store used for test
// result caching and for the advisory generation lock. The contract matches
// a networked cache (get/set/exists/delete with expiry); the default backing
// is in-process.
package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the cache contract the coordinator depends on. Implementations
// must be safe for concurrent use: the web process and background workers
// share one Store.
type Store interface {
	// Get returns the value for key, or false if absent or expired.
	Get(key string) (any, bool)
	// Set stores value under key with the given time-to-live.
	Set(key string, value any, ttl time.Duration)
	// Add stores value only if key is absent; it reports whether the value
	// was stored. This is the atomic primitive behind the advisory lock.
	Add(key string, value any, ttl time.Duration) bool
	// Exists reports whether key is present and unexpired.
	Exists(key string) bool
	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string)
	// DeletePrefix removes every key with the given prefix and returns the
	// number of keys removed.
	DeletePrefix(prefix string) int
}

// Memory is an in-process Store.
type Memory struct {
	c *gocache.Cache
}

// NewMemory creates a Memory store. defaultTTL applies when Set is called
// with a non-positive TTL.
func NewMemory(defaultTTL time.Duration) *Memory {
	return &Memory{c: gocache.New(defaultTTL, time.Minute)}
}

func (m *Memory) Get(key string) (any, bool) {
	return m.c.Get(key)
}

func (m *Memory) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.c.Set(key, value, ttl)
}

func (m *Memory) Add(key string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	return m.c.Add(key, value, ttl) == nil
}

func (m *Memory) Exists(key string) bool {
	_, ok := m.c.Get(key)
	return ok
}

func (m *Memory) Delete(key string) {
	m.c.Delete(key)
}

func (m *Memory) DeletePrefix(prefix string) int {
	n := 0
	for key := range m.c.Items() {
		if strings.HasPrefix(key, prefix) {
			m.c.Delete(key)
			n++
		}
	}
	return n
}
