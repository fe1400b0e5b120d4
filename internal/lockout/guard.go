// Package lockout tracks consecutive authentication failures per
// (identifier, origin) pair and enforces escalating lock windows.
package lockout

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"accessgate.org/internal/obs"
)

// Threshold maps a cumulative failure count to a lock duration.
type Threshold struct {
	Failures int
	Lock     time.Duration
}

// DefaultThresholds escalate on a single cumulative counter: the counter is
// never reset between levels, only by a successful authentication.
var DefaultThresholds = []Threshold{
	{Failures: 5, Lock: 15 * time.Minute},
	{Failures: 10, Lock: time.Hour},
	{Failures: 20, Lock: 24 * time.Hour},
}

const (
	defaultRetention   = 24 * time.Hour
	defaultMaxCounters = 1 << 16
)

// counter is the per-key failure state. Guarded by the Guard mutex.
type counter struct {
	count        int
	level        int
	firstFailure time.Time
	lockedUntil  time.Time
}

// Guard is safe for concurrent use. Idle counters are evicted after the
// retention window; a successful authentication clears them immediately.
type Guard struct {
	thresholds []Threshold
	now        func() time.Time

	mu       sync.Mutex
	counters *expirable.LRU[string, *counter]
	// locked pins counters with an active lock outside the LRU: capacity
	// eviction must never lift a lock, no matter how many unrelated keys an
	// attacker floods in. Entries demote back to the LRU on the next
	// failure, on success, or via PurgeExpired.
	locked map[string]*counter
}

// Option configures Guard behavior.
type Option func(*Guard)

// WithThresholds replaces the escalation table. Entries must be ordered by
// ascending failure count.
func WithThresholds(thresholds []Threshold) Option {
	return func(g *Guard) {
		if len(thresholds) > 0 {
			g.thresholds = thresholds
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGuard constructs a Guard with the given retention window for idle
// counters. retention <= 0 uses the 24h default.
func NewGuard(retention time.Duration, opts ...Option) *Guard {
	if retention <= 0 {
		retention = defaultRetention
	}
	g := &Guard{
		thresholds: DefaultThresholds,
		counters:   expirable.NewLRU[string, *counter](defaultMaxCounters, nil, retention),
		locked:     make(map[string]*counter),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RecordFailure increments the counter for (identifier, origin) and applies
// any newly crossed threshold. When a lock is already in effect, a new lock
// replaces it only if it ends later; a failure never shortens a lock.
// Returns the lock state after the increment.
func (g *Guard) RecordFailure(identifier, origin, reason string) (locked bool, until time.Time) {
	key := counterKey(identifier, origin)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.locked[key]
	if !ok {
		if c, ok = g.counters.Get(key); !ok {
			c = &counter{firstFailure: now}
		}
	}

	wasLocked := now.Before(c.lockedUntil)
	c.count++
	level := 0
	for i, t := range g.thresholds {
		if c.count >= t.Failures {
			level = i + 1
			if candidate := now.Add(t.Lock); candidate.After(c.lockedUntil) {
				c.lockedUntil = candidate
			}
		}
	}
	locked = now.Before(c.lockedUntil)
	// Count transitions only: a fresh lock or an escalation to a higher
	// level, not every failure landing inside an active window.
	if locked && (!wasLocked || level > c.level) {
		obs.LockoutApplied(level)
	}
	c.level = level
	obs.LoginFailure(reason)

	if locked {
		g.counters.Remove(key)
		g.locked[key] = c
	} else {
		delete(g.locked, key)
		// Touch the entry so retention counts from the last failure.
		g.counters.Add(key, c)
	}
	return locked, c.lockedUntil
}

// RecordSuccess resets every counter for the identifier, regardless of
// origin. Unconditional: a successful credential check is only reachable
// once the guard has already admitted the attempt.
func (g *Guard) RecordSuccess(identifier string) {
	prefix := strings.ToLower(strings.TrimSpace(identifier)) + "\x00"
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.locked {
		if strings.HasPrefix(key, prefix) {
			delete(g.locked, key)
		}
	}
	for _, key := range g.counters.Keys() {
		if strings.HasPrefix(key, prefix) {
			g.counters.Remove(key)
		}
	}
}

// IsLocked reports whether the pair is currently locked and, if so, how long
// until the lock expires. Pure read: no counter is created or mutated.
func (g *Guard) IsLocked(identifier, origin string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.lookup(counterKey(identifier, origin))
	if !ok {
		return false, 0
	}
	now := g.now()
	if now.Before(c.lockedUntil) {
		return true, c.lockedUntil.Sub(now)
	}
	return false, 0
}

// Failures reports the current cumulative failure count for the pair.
func (g *Guard) Failures(identifier, origin string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.lookup(counterKey(identifier, origin))
	if !ok {
		return 0
	}
	return c.count
}

// PurgeExpired demotes counters whose lock has lapsed back into the
// retention LRU. Intended for a periodic sweep; RecordFailure demotes lazily
// on the next failure either way.
func (g *Guard) PurgeExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for key, c := range g.locked {
		if !now.Before(c.lockedUntil) {
			delete(g.locked, key)
			g.counters.Add(key, c)
		}
	}
}

func (g *Guard) lookup(key string) (*counter, bool) {
	if c, ok := g.locked[key]; ok {
		return c, true
	}
	return g.counters.Peek(key)
}

func counterKey(identifier, origin string) string {
	return strings.ToLower(strings.TrimSpace(identifier)) + "\x00" + strings.TrimSpace(origin)
}
