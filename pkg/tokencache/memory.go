// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokencache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
	"github.com/stacklok/tokenbridge/pkg/logger"
)

// defaultSweepInterval is how often the background sweeper evicts expired entries.
const defaultSweepInterval = 5 * time.Minute

// memoryEntry wraps a cached token with its insertion sequence number.
type memoryEntry struct {
	token    *tokenexchange.ExchangedToken
	insertID uint64
}

// MemoryCache is an in-process Cache backend.
//
// Entries expire with their token. When the cache is full, the oldest entry
// by insertion order is evicted to make room. A background sweeper removes
// expired entries so the map does not accumulate dead tokens between reads.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	maxEntries int
	nextID     uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption func(*memoryCacheOptions)

type memoryCacheOptions struct {
	sweepInterval time.Duration
	sweep         bool
}

// WithSweepInterval enables the background sweeper with the given interval.
func WithSweepInterval(interval time.Duration) MemoryCacheOption {
	return func(o *memoryCacheOptions) {
		o.sweep = true
		o.sweepInterval = interval
	}
}

// WithoutSweeper disables the background sweeper. Expired entries are then
// only removed lazily on Get.
func WithoutSweeper() MemoryCacheOption {
	return func(o *memoryCacheOptions) {
		o.sweep = false
	}
}

// NewMemoryCache creates an in-memory cache holding at most maxEntries tokens.
// A maxEntries of zero means the cache is unbounded.
func NewMemoryCache(maxEntries int, opts ...MemoryCacheOption) *MemoryCache {
	options := memoryCacheOptions{
		sweep:         true,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&options)
	}

	c := &MemoryCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}

	if options.sweep {
		c.wg.Add(1)
		go c.sweepLoop(options.sweepInterval)
	}

	return c
}

// Get retrieves a cached token. Expired entries are removed and reported as a
// miss. Hits stay on the read lock so concurrent lookups don't serialize.
func (c *MemoryCache) Get(_ context.Context, key string) (*tokenexchange.ExchangedToken, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, nil
	}

	if entry.token.IsExpired() {
		c.mu.Lock()
		// The entry may have been replaced since the read; only delete the
		// one we saw expire.
		if current, ok := c.entries[key]; ok && current.insertID == entry.insertID {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, nil
	}

	c.hits.Add(1)
	return entry.token, nil
}

// Put stores a token, evicting the oldest entry if the cache is full.
func (c *MemoryCache) Put(_ context.Context, key string, token *tokenexchange.ExchangedToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.entries[key] = memoryEntry{
		token:    token,
		insertID: c.nextID,
	}
	c.nextID++

	return nil
}

// evictOldestLocked removes the entry with the lowest insertion sequence.
// Callers must hold the write lock.
func (c *MemoryCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestID  uint64
		found     bool
	)
	for key, entry := range c.entries {
		if !found || entry.insertID < oldestID {
			oldestKey = key
			oldestID = entry.insertID
			found = true
		}
	}
	if found {
		delete(c.entries, oldestKey)
		c.evictions.Add(1)
		logger.Debugf("Token cache full, evicted oldest entry")
	}
}

// Invalidate removes a token from the cache.
func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Clear removes all tokens from the cache.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]memoryEntry)
	return nil
}

// Stats returns current cache statistics.
func (c *MemoryCache) Stats(_ context.Context) (*Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      len(c.entries),
		MaxSize:   c.maxEntries,
	}, nil
}

// Close stops the background sweeper. The cache must not be used after Close.
func (c *MemoryCache) Close() error {
	select {
	case <-c.stopCh:
		// already closed
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
	return nil
}

// sweepLoop periodically removes expired entries.
func (c *MemoryCache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes all expired entries in one pass.
func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.token.IsExpired() {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Debugf("Token cache sweep removed %d expired entries", removed)
	}
}

// Compile-time interface compliance checks
var (
	_ Cache         = (*MemoryCache)(nil)
	_ StatsProvider = (*MemoryCache)(nil)
)
