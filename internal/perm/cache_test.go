package perm

import (
	"testing"
	"time"
)

func TestSnapshotCacheCommitAfterInvalidateIsDropped(t *testing.T) {
	c := newSnapshotCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	version := c.version("alice")
	// Invalidation lands while the recomputation is in flight.
	c.invalidate("alice")

	stale := &snapshot{codes: map[string]struct{}{"doc:view": {}}}
	if c.commit("alice", version, stale, now.Add(time.Minute)) {
		t.Fatal("stale commit must be rejected")
	}
	if _, ok := c.get("alice", now); ok {
		t.Fatal("rejected commit must not be served")
	}

	// A commit against the post-invalidation version is accepted.
	fresh := &snapshot{codes: map[string]struct{}{"doc:edit": {}}}
	if !c.commit("alice", c.version("alice"), fresh, now.Add(time.Minute)) {
		t.Fatal("fresh commit rejected")
	}
	snap, ok := c.get("alice", now)
	if !ok || snap != fresh {
		t.Fatal("fresh snapshot not served")
	}
}

func TestSnapshotCacheExpiry(t *testing.T) {
	c := newSnapshotCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snap := &snapshot{codes: map[string]struct{}{}}
	c.commit("alice", c.version("alice"), snap, now.Add(15*time.Minute))

	if _, ok := c.get("alice", now.Add(14*time.Minute)); !ok {
		t.Fatal("snapshot should be live within TTL")
	}
	if _, ok := c.get("alice", now.Add(15*time.Minute)); ok {
		t.Fatal("snapshot must expire at TTL")
	}

	c.purgeExpired(now.Add(16 * time.Minute))
	if len(c.entries) != 0 {
		t.Fatalf("purge left %d entries", len(c.entries))
	}
}
