// Package cache provides a Redis-backed read cache for computed balances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/domain/credit"
)

// ErrMiss is returned when the key is absent or the cache is disabled.
var ErrMiss = errors.New("cache miss")

// BalanceCache stores computed balances keyed by user ID. A nil client
// disables the cache: every read misses and writes are dropped, so callers
// need no special casing when Redis is not configured.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache creates a cache with the given TTL. Client may be nil.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(userID string) string {
	return "credit:balance:" + userID
}

// Get returns the cached balance for the user or ErrMiss.
func (c *BalanceCache) Get(ctx context.Context, userID string) (credit.Balance, error) {
	if c == nil || c.client == nil {
		return credit.Balance{}, ErrMiss
	}

	raw, err := c.client.Get(ctx, balanceKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return credit.Balance{}, ErrMiss
		}
		return credit.Balance{}, err
	}

	var balance credit.Balance
	if err := json.Unmarshal(raw, &balance); err != nil {
		return credit.Balance{}, ErrMiss
	}
	return balance, nil
}

// Set stores the balance for the cache TTL. Errors are returned so callers
// can log them, but a failed write never affects correctness.
func (c *BalanceCache) Set(ctx context.Context, balance credit.Balance) error {
	if c == nil || c.client == nil {
		return nil
	}

	raw, err := json.Marshal(balance)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, balanceKey(balance.UserID), raw, c.ttl).Err()
}

// Invalidate drops the cached balance after any balance-affecting write.
func (c *BalanceCache) Invalidate(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, balanceKey(userID)).Err()
}
