package perm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"accessgate.org/internal/obs"
)

// ErrResolutionUnavailable indicates the backing store could not be reached
// while recomputing a user's effective permissions. It is never converted to
// an empty permission set; callers decide to fail closed.
var ErrResolutionUnavailable = errors.New("perm: resolution unavailable")

const (
	defaultCacheTTL  = 15 * time.Minute
	defaultAdminRole = "admin"
)

// UserState is the live account status consulted before any cache work.
type UserState struct {
	Active bool
	Locked bool
}

// RoleRef identifies an active role held by a user.
type RoleRef struct {
	ID   string
	Code string
}

// Source supplies the assignment data the resolver derives permissions from.
// Implementations must honor the context deadline on every call and report
// unknown users as inactive rather than erroring.
type Source interface {
	UserState(ctx context.Context, userID string) (UserState, error)
	ActiveRolesForUser(ctx context.Context, userID string) ([]RoleRef, error)
	ActiveGrantsForRole(ctx context.Context, roleID string) ([]string, error)
	UsersForRole(ctx context.Context, roleID string) ([]string, error)
}

// Resolver answers permission checks against a time-boxed, versioned cache of
// effective permission sets.
type Resolver struct {
	source    Source
	cache     *snapshotCache
	group     singleflight.Group
	ttl       time.Duration
	adminRole string
	now       func() time.Time
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithCacheTTL overrides the snapshot expiry used as a safety net against
// missed invalidations.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithAdminRole overrides the role code that bypasses permission checks.
func WithAdminRole(code string) ResolverOption {
	return func(r *Resolver) {
		code = strings.TrimSpace(strings.ToLower(code))
		if code != "" {
			r.adminRole = code
		}
	}
}

// WithResolverClock overrides the time source (useful for tests).
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver over the given source.
func NewResolver(source Source, opts ...ResolverOption) (*Resolver, error) {
	if source == nil {
		return nil, errors.New("perm: source is required")
	}
	r := &Resolver{
		source:    source,
		cache:     newSnapshotCache(),
		ttl:       defaultCacheTTL,
		adminRole: defaultAdminRole,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Check reports whether the user holds the permission. Order: inactive or
// locked accounts are denied before any cache lookup; the administrator role
// and the literal *:* grant allow everything; then exact membership, then
// wildcard coverage.
func (r *Resolver) Check(ctx context.Context, userID, code string) (bool, error) {
	parsed, err := Parse(code)
	if err != nil {
		return false, err
	}
	state, err := r.source.UserState(ctx, userID)
	if err != nil {
		return false, r.unavailable(err)
	}
	if !state.Active || state.Locked {
		return false, nil
	}
	snap, err := r.snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	if snap.admin {
		return true, nil
	}
	return covered(snap.codes, parsed), nil
}

// CheckAll is the batched form of Check. The effective permission set is
// computed at most once per call regardless of len(codes).
func (r *Resolver) CheckAll(ctx context.Context, userID string, codes []string) (map[string]bool, error) {
	parsed := make([]Code, 0, len(codes))
	for _, code := range codes {
		p, err := Parse(code)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}
	result := make(map[string]bool, len(codes))
	state, err := r.source.UserState(ctx, userID)
	if err != nil {
		return nil, r.unavailable(err)
	}
	if !state.Active || state.Locked {
		for _, code := range codes {
			result[code] = false
		}
		return result, nil
	}
	snap, err := r.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, code := range codes {
		result[code] = snap.admin || covered(snap.codes, parsed[i])
	}
	return result, nil
}

// Invalidate evicts the user's cached permission set. Must be called
// synchronously by every mutation touching the user's assignments; the next
// Check after return observes the mutation.
func (r *Resolver) Invalidate(userID string) {
	r.cache.invalidate(userID)
	obs.ResolverInvalidation()
}

// InvalidateRole fans out to every user currently holding the role.
func (r *Resolver) InvalidateRole(ctx context.Context, roleID string) error {
	users, err := r.source.UsersForRole(ctx, roleID)
	if err != nil {
		return r.unavailable(err)
	}
	for _, userID := range users {
		r.Invalidate(userID)
	}
	return nil
}

// PurgeExpired drops expired snapshots. Intended for a periodic sweep; the
// TTL check on read makes it an optimization, not a correctness requirement.
func (r *Resolver) PurgeExpired() {
	r.cache.purgeExpired(r.now())
}

// snapshot returns the cached effective set, recomputing on miss. Concurrent
// misses for the same user collapse into one computation.
func (r *Resolver) snapshot(ctx context.Context, userID string) (*snapshot, error) {
	if snap, ok := r.cache.get(userID, r.now()); ok {
		obs.ResolverCacheHit()
		return snap, nil
	}
	obs.ResolverCacheMiss()

	// The flight is keyed on the version observed at miss time. A caller that
	// arrives after an invalidation reads the bumped version and starts its
	// own computation instead of joining a flight over pre-mutation data, so
	// invalidation stays visible to every check issued after it returns.
	version := r.cache.version(userID)
	key := fmt.Sprintf("%s\x00%d", userID, version)
	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have committed
		// while this one waited for the flight slot.
		if snap, ok := r.cache.get(userID, r.now()); ok {
			return snap, nil
		}
		snap, err := r.compute(ctx, userID)
		if err != nil {
			return nil, err
		}
		// A racing invalidation bumped the version: serve the result to the
		// callers already in this flight but do not cache it.
		r.cache.commit(userID, version, snap, r.now().Add(r.ttl))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

// compute expands active assignments into the effective permission set.
func (r *Resolver) compute(ctx context.Context, userID string) (*snapshot, error) {
	roles, err := r.source.ActiveRolesForUser(ctx, userID)
	if err != nil {
		return nil, r.unavailable(err)
	}
	snap := &snapshot{codes: make(map[string]struct{})}
	for _, role := range roles {
		if strings.EqualFold(role.Code, r.adminRole) {
			snap.admin = true
		}
		grants, err := r.source.ActiveGrantsForRole(ctx, role.ID)
		if err != nil {
			return nil, r.unavailable(err)
		}
		for _, grant := range grants {
			code, err := Parse(grant)
			if err != nil {
				// A grant that fails the grammar cannot match anything;
				// skip it rather than poisoning the whole set.
				continue
			}
			if code == Superuser {
				snap.admin = true
			}
			snap.codes[code.String()] = struct{}{}
		}
	}
	return snap, nil
}

func (r *Resolver) unavailable(err error) error {
	if errors.Is(err, ErrResolutionUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
}
