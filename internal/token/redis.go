package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	revokedKeyPrefix      = "accessgate:revoked:"
	revokeBeforeKeyPrefix = "accessgate:revoke_before:"

	// Marks outlive the longest refresh token so a revoked family can never
	// resurface.
	revokeBeforeTTL = 31 * 24 * time.Hour
)

// RedisRevocationSet is a RevocationSet shared across nodes. Keys expire
// with the tokens they block, so the set stays bounded by the number of
// live revocations.
type RedisRevocationSet struct {
	client *redis.Client
}

// NewRedisRevocationSet wraps an existing client. The caller owns the
// client's lifecycle.
func NewRedisRevocationSet(client *redis.Client) (*RedisRevocationSet, error) {
	if client == nil {
		return nil, errors.New("token: redis client is required")
	}
	return &RedisRevocationSet{client: client}, nil
}

// Revoke blacklists the jti with a TTL equal to the remaining token life.
func (r *RedisRevocationSet) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// IsRevoked reports whether the jti is blacklisted.
func (r *RedisRevocationSet) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// SetRevokeBefore stores the subject's mark as unix nanoseconds.
func (r *RedisRevocationSet) SetRevokeBefore(ctx context.Context, subject string, at time.Time) error {
	key := revokeBeforeKeyPrefix + subject
	value := strconv.FormatInt(at.UnixNano(), 10)
	// Keep the later mark if two revocations race.
	current, err := r.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis get: %w", err)
	}
	if err == nil {
		if existing, parseErr := strconv.ParseInt(current, 10, 64); parseErr == nil && existing >= at.UnixNano() {
			return nil
		}
	}
	if err := r.client.Set(ctx, key, value, revokeBeforeTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// RevokeBefore returns the subject's mark, or zero time when absent.
func (r *RedisRevocationSet) RevokeBefore(ctx context.Context, subject string) (time.Time, error) {
	value, err := r.client.Get(ctx, revokeBeforeKeyPrefix+subject).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get: %w", err)
	}
	nanos, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis decode mark: %w", err)
	}
	return time.Unix(0, nanos).UTC(), nil
}
