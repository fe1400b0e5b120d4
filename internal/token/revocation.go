package token

import (
	"context"
	"sync"
	"time"
)

// RevocationSet stores revoked jtis with a TTL equal to the remaining token
// lifetime, plus a per-subject revoke-before mark for mass revocation.
// Implementations must be safe for concurrent writers; entries are
// append-only with TTL eviction and carry no ordering requirement.
type RevocationSet interface {
	// Revoke blacklists a jti for ttl. A ttl <= 0 means the token already
	// expired and the call may be a no-op.
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	// IsRevoked reports whether the jti is currently blacklisted.
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// SetRevokeBefore records a mark; tokens for the subject issued before
	// it are rejected at validation.
	SetRevokeBefore(ctx context.Context, subject string, at time.Time) error
	// RevokeBefore returns the subject's mark, or the zero time if none.
	RevokeBefore(ctx context.Context, subject string) (time.Time, error)
}

// MemoryRevocationSet is a process-local RevocationSet. Suitable for tests
// and single-node deployments; multi-node setups use the redis backend.
type MemoryRevocationSet struct {
	mu           sync.Mutex
	revoked      map[string]time.Time
	revokeBefore map[string]time.Time
	now          func() time.Time
}

// NewMemoryRevocationSet constructs an empty in-memory set.
func NewMemoryRevocationSet() *MemoryRevocationSet {
	return &MemoryRevocationSet{
		revoked:      make(map[string]time.Time),
		revokeBefore: make(map[string]time.Time),
		now:          time.Now,
	}
}

// SetClock overrides the time source (useful for tests).
func (m *MemoryRevocationSet) SetClock(fn func() time.Time) {
	if fn != nil {
		m.now = fn
	}
}

// Revoke blacklists the jti until its ttl elapses.
func (m *MemoryRevocationSet) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = m.now().Add(ttl)
	return nil
}

// IsRevoked reports whether jti is blacklisted. Expired entries are dropped
// lazily on read.
func (m *MemoryRevocationSet) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires, ok := m.revoked[jti]
	if !ok {
		return false, nil
	}
	if !m.now().Before(expires) {
		delete(m.revoked, jti)
		return false, nil
	}
	return true, nil
}

// SetRevokeBefore records the subject's mass-revocation mark. Marks only
// move forward.
func (m *MemoryRevocationSet) SetRevokeBefore(_ context.Context, subject string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.revokeBefore[subject]; ok && current.After(at) {
		return nil
	}
	m.revokeBefore[subject] = at
	return nil
}

// RevokeBefore returns the subject's mark, or zero time.
func (m *MemoryRevocationSet) RevokeBefore(_ context.Context, subject string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeBefore[subject], nil
}

// PurgeExpired drops expired jtis. Intended for a periodic sweep.
func (m *MemoryRevocationSet) PurgeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for jti, expires := range m.revoked {
		if !now.Before(expires) {
			delete(m.revoked, jti)
		}
	}
}
