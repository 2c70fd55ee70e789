// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokencache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisCache starts a miniredis server and returns a cache backed by it.
func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCacheWithClient(client, "tokenbridge:test:")
	t.Cleanup(func() { _ = cache.Close() })

	return cache, mr
}

func TestRedisCachePutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, _ := newTestRedisCache(t)

	key := BuildKey("user-1", "https://issuer.example.com")
	original := testToken("user-1", time.Minute)
	original.ResourceRoles = map[string][]string{"critical-data-api": {"writer"}}

	require.NoError(t, cache.Put(ctx, key, original))

	token, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, original.AccessToken, token.AccessToken, "full token round-trips through the wire form")
	assert.Equal(t, original.Subject, token.Subject)
	assert.Equal(t, original.Roles, token.Roles)
	assert.Equal(t, original.ResourceRoles, token.ResourceRoles)
	assert.WithinDuration(t, original.ExpiresAt, token.ExpiresAt, time.Second)
}

func TestRedisCacheExpiryRoundTripKeepsMilliseconds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, _ := newTestRedisCache(t)

	key := BuildKey("user-1", "https://issuer.example.com")
	original := testToken("user-1", time.Minute)
	original.ExpiresAt = time.Now().Add(time.Minute).Truncate(time.Second).Add(250 * time.Millisecond)

	require.NoError(t, cache.Put(ctx, key, original))

	token, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.True(t, token.ExpiresAt.Equal(original.ExpiresAt),
		"expiry must survive the wire form without truncation: got %v, want %v",
		token.ExpiresAt, original.ExpiresAt)
}

func TestRedisCacheMissReturnsNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, _ := newTestRedisCache(t)

	token, err := cache.Get(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRedisCacheTTLMatchesTokenLifetime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, mr := newTestRedisCache(t)

	key := BuildKey("user-1", "https://issuer.example.com")
	require.NoError(t, cache.Put(ctx, key, testToken("user-1", time.Minute)))

	ttl := mr.TTL(cache.redisKey(key))
	assert.Greater(t, ttl, 50*time.Second)
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisCacheExpiredTokenNotStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, mr := newTestRedisCache(t)

	key := BuildKey("user-1", "https://issuer.example.com")
	require.NoError(t, cache.Put(ctx, key, testToken("user-1", -time.Second)))

	assert.False(t, mr.Exists(cache.redisKey(key)))
}

func TestRedisCacheEntryExpiresWithServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, mr := newTestRedisCache(t)

	key := BuildKey("user-1", "https://issuer.example.com")
	require.NoError(t, cache.Put(ctx, key, testToken("user-1", time.Minute)))

	mr.FastForward(2 * time.Minute)

	token, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRedisCacheInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, _ := newTestRedisCache(t)

	key := BuildKey("user-1", "https://issuer.example.com")
	require.NoError(t, cache.Put(ctx, key, testToken("user-1", time.Minute)))
	require.NoError(t, cache.Invalidate(ctx, key))

	token, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, token)

	// Invalidating an absent key is not an error.
	assert.NoError(t, cache.Invalidate(ctx, "absent"))
}

func TestRedisCacheClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, mr := newTestRedisCache(t)

	require.NoError(t, cache.Put(ctx, "a", testToken("a", time.Minute)))
	require.NoError(t, cache.Put(ctx, "b", testToken("b", time.Minute)))

	// A key outside the cache namespace survives Clear.
	require.NoError(t, mr.Set("unrelated", "value"))

	require.NoError(t, cache.Clear(ctx))

	for _, key := range []string{"a", "b"} {
		token, err := cache.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, token)
	}
	assert.True(t, mr.Exists("unrelated"))
}

func TestRedisCachePing(t *testing.T) {
	t.Parallel()

	cache, _ := newTestRedisCache(t)
	assert.NoError(t, cache.Ping(context.Background()))
}
