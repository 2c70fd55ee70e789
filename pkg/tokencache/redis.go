// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address as host:port.
	Addr string

	// Password authenticates against the server, if set.
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces cache keys, e.g. "tokenbridge:authz:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisCache is a Redis-backed Cache, enabling shared caching across bridge
// replicas. Entry lifetime is enforced with Redis TTLs, so expired tokens
// vanish without a sweeper and the memory bound is delegated to the server's
// own maxmemory policy.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// storedToken is the serializable wrapper for ExchangedToken. The token's own
// MarshalJSON redacts the access token, so the cache uses this wire form to
// persist the full value.
type storedToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Issuer      string `json:"issuer"`
	Subject     string `json:"subject"`

	// ExpiresAt is stored as Unix milliseconds so the expiry survives the
	// round trip without losing sub-second precision.
	ExpiresAt int64 `json:"expires_at_ms"`

	Roles         []string            `json:"roles,omitempty"`
	ResourceRoles map[string][]string `json:"resource_roles,omitempty"`
}

// NewRedisCache creates a Redis-backed cache and verifies connectivity.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	// Apply defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisCacheWithClient creates a RedisCache with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisCacheWithClient(client redis.UniversalClient, keyPrefix string) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// redisKey builds the namespaced Redis key for a cache key.
func (c *RedisCache) redisKey(key string) string {
	return c.keyPrefix + "token:" + key
}

// Get retrieves a cached token. Returns (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*tokenexchange.ExchangedToken, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached token: %w", err)
	}

	var stored storedToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}

	token := &tokenexchange.ExchangedToken{
		AccessToken:   stored.AccessToken,
		TokenType:     stored.TokenType,
		Issuer:        stored.Issuer,
		Subject:       stored.Subject,
		ExpiresAt:     time.UnixMilli(stored.ExpiresAt),
		Roles:         stored.Roles,
		ResourceRoles: stored.ResourceRoles,
	}

	// TTL should have removed it, but double-check
	if token.IsExpired() {
		return nil, nil
	}

	return token, nil
}

// Put stores a token with a TTL matching its remaining lifetime. Tokens that
// are already expired are not stored.
func (c *RedisCache) Put(ctx context.Context, key string, token *tokenexchange.ExchangedToken) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	stored := storedToken{
		AccessToken:   token.AccessToken,
		TokenType:     token.TokenType,
		Issuer:        token.Issuer,
		Subject:       token.Subject,
		ExpiresAt:     token.ExpiresAt.UnixMilli(),
		Roles:         token.Roles,
		ResourceRoles: token.ResourceRoles,
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	return c.client.Set(ctx, c.redisKey(key), data, ttl).Err()
}

// Invalidate removes a token from the cache.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.redisKey(key)).Err()
}

// Clear removes all tokens under the cache's key prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	var cursor uint64
	pattern := c.keyPrefix + "token:*"

	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cached tokens: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete cached tokens: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks Redis connectivity (health check).
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Compile-time interface compliance check
var _ Cache = (*RedisCache)(nil)
