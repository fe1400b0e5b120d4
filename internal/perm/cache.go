package perm

import (
	"sync"
	"time"
)

// snapshot is a fully resolved view of one user's grants. Immutable once
// committed to the cache.
type snapshot struct {
	admin bool
	codes map[string]struct{}
}

type cacheEntry struct {
	snap    *snapshot
	expires time.Time
	version uint64
}

// snapshotCache stores (value, expiry, version) tuples keyed by user id.
// Invalidation bumps the version and clears the value instead of deleting the
// entry, so an in-flight recomputation started before the invalidation cannot
// overwrite it: commit requires the version observed at the start of the
// computation to be unchanged.
type snapshotCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{entries: make(map[string]*cacheEntry)}
}

// get returns the cached snapshot if present and unexpired.
func (c *snapshotCache) get(key string, now time.Time) (*snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.snap == nil || !now.Before(e.expires) {
		return nil, false
	}
	return e.snap, true
}

// version returns the current version for key, creating the entry if needed.
// Callers record it before recomputing and pass it back to commit.
func (c *snapshotCache) version(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	return e.version
}

// commit stores snap unless the entry was invalidated since version was read.
// Reports whether the value was accepted.
func (c *snapshotCache) commit(key string, version uint64, snap *snapshot, expires time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.version != version {
		return false
	}
	e.snap = snap
	e.expires = expires
	return true
}

// invalidate drops the cached value and bumps the version. Idempotent in
// effect: the next read recomputes exactly once either way.
func (c *snapshotCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.version++
	e.snap = nil
}

// purgeExpired removes entries whose value expired before now. Invalidated
// but empty entries are removed as well once nothing references them.
func (c *snapshotCache) purgeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.snap == nil || !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
}
