// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokencache provides caching for exchanged authorization tokens.
//
// Caching reduces the number of token exchanges against the authorization
// provider. The package provides pluggable backends (memory, Redis) through
// the Cache interface.
package tokencache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
)

// Cache stores exchanged authorization tokens keyed by subject identity.
type Cache interface {
	// Get retrieves a cached token.
	// Returns (nil, nil) if the token doesn't exist or has expired.
	Get(ctx context.Context, key string) (*tokenexchange.ExchangedToken, error)

	// Put stores a token in the cache until its expiry.
	Put(ctx context.Context, key string, token *tokenexchange.ExchangedToken) error

	// Invalidate removes a token from the cache. Removing an absent key is
	// not an error.
	Invalidate(ctx context.Context, key string) error

	// Clear removes all tokens from the cache.
	Clear(ctx context.Context) error

	// Close closes the cache and releases resources.
	Close() error
}

// Stats provides cache statistics.
type Stats struct {
	// Hits is the number of cache hits.
	Hits int64

	// Misses is the number of cache misses.
	Misses int64

	// Evictions is the number of evicted entries.
	Evictions int64

	// Size is the current cache size.
	Size int

	// MaxSize is the maximum cache size. Zero means unbounded.
	MaxSize int
}

// StatsProvider is implemented by backends that track cache statistics.
type StatsProvider interface {
	// Stats returns current cache statistics.
	Stats(ctx context.Context) (*Stats, error)
}

// BuildKey derives the cache key for a subject. The subject identifier and
// issuer are hashed together so the raw identity never appears in cache keys
// and distinct issuers cannot collide on the same subject.
func BuildKey(subject, issuer string) string {
	sum := sha256.Sum256([]byte(issuer + "|" + subject))
	return hex.EncodeToString(sum[:])
}
