// Package cache memoizes expensive sync-hash digests behind Redis, keyed
// by (wallet_id, up_to_sequence) so repeated pull-and-merge digest checks
// against an unchanged prefix of the log skip recomputation.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DigestCache wraps a redis.Client with the narrow operations the sync
// server needs.
type DigestCache struct {
	client *redis.Client
	ttl    time.Duration
}

// Config controls Redis connection parameters.
type Config struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD,optional"`
	DB       int    `env:"REDIS_DB,optional"`
}

// New opens a Redis client. ttl is how long a digest stays cached before
// recomputation; defaults to 5 minutes when <= 0.
func New(cfg Config, ttl time.Duration) *DigestCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &DigestCache{client: client, ttl: ttl}
}

func digestKey(walletID string, upToSequence int64) string {
	return fmt.Sprintf("debitum:sync_hash:%s:%d", walletID, upToSequence)
}

// GetDigest returns a previously cached digest, if present and unexpired.
func (c *DigestCache) GetDigest(ctx context.Context, walletID string, upToSequence int64) (string, bool, error) {
	v, err := c.client.Get(ctx, digestKey(walletID, upToSequence)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetDigest caches a computed digest.
func (c *DigestCache) SetDigest(ctx context.Context, walletID string, upToSequence int64, digest string) error {
	return c.client.Set(ctx, digestKey(walletID, upToSequence), digest, c.ttl).Err()
}

// InvalidateWallet drops every cached digest for a wallet; called after a
// batch of events is accepted so digests whose up_to_sequence reaches the
// newly appended sequences (now stale) don't linger past their TTL; entries
// for smaller up_to_sequence values are dropped too, though still valid. Redis SCAN is used instead of
// KEYS to avoid blocking the server on large keyspaces.
func (c *DigestCache) InvalidateWallet(ctx context.Context, walletID string) error {
	pattern := fmt.Sprintf("debitum:sync_hash:%s:*", walletID)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close releases the underlying connection pool.
func (c *DigestCache) Close() error {
	return c.client.Close()
}
