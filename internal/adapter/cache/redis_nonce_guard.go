package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-integrations/internal/repository"
)

const noncePrefix = "integrations:state-nonce:"

// RedisNonceGuard enforces single-use state tokens. The codec keeps state
// self-contained, so the only thing stored here is the fact that a nonce has
// already been consumed.
type RedisNonceGuard struct {
	client redis.UniversalClient
}

var _ repository.NonceGuard = (*RedisNonceGuard)(nil)

// NewRedisNonceGuard constructs a Redis-backed nonce guard.
func NewRedisNonceGuard(client redis.UniversalClient) *RedisNonceGuard {
	return &RedisNonceGuard{client: client}
}

// Consume marks the nonce as used for the given TTL. It returns false when
// the nonce was already consumed, meaning the state token is being replayed.
func (g *RedisNonceGuard) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	fresh, err := g.client.SetNX(ctx, noncePrefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	return fresh, nil
}
