package cache

import "time"

// Lock is an advisory, TTL-bounded mutual-exclusion marker held in the
// cache. It is best-effort by design: a lock whose holder crashes expires
// with its TTL and silently permits the next attempt (fail-open). The TTL
// must outlast the longest critical section it guards.
type Lock struct {
	store Store
	ttl   time.Duration
}

// NewLock creates a Lock over store with the given TTL.
func NewLock(store Store, ttl time.Duration) *Lock {
	return &Lock{store: store, ttl: ttl}
}

// TTL returns the lock's time-to-live.
func (l *Lock) TTL() time.Duration { return l.ttl }

// Acquire marks key as held and reports whether the caller won it. A false
// return means another holder is in flight.
func (l *Lock) Acquire(key string) bool {
	return l.store.Add(key, true, l.ttl)
}

// Release removes the marker. Releasing an expired or absent lock is a
// no-op; callers release unconditionally on every exit path.
func (l *Lock) Release(key string) {
	l.store.Delete(key)
}

// Held reports whether key is currently marked in flight.
func (l *Lock) Held(key string) bool {
	return l.store.Exists(key)
}
