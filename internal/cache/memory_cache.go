// Package cache holds the string caches used for SKU display names and the
// inventory hint. Both implementations satisfy dragonpos.Cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"go.uber.org/zap"
)

// InMemoryCache provides a simple thread-safe in-memory cache.
// A TTL of zero or less keeps items for the lifetime of the cache.
type InMemoryCache struct {
	store  map[string]cacheItem
	mutex  sync.RWMutex
	ttl    time.Duration
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	value      string
	expiration int64 // zero means never
}

// MemoryOption configures an InMemoryCache.
type MemoryOption func(*InMemoryCache)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(c *InMemoryCache) {
		c.logger = logger
	}
}

// NewInMemoryCache creates a new in-memory cache with a default TTL.
func NewInMemoryCache(defaultTTL time.Duration, opts ...MemoryOption) *InMemoryCache {
	c := &InMemoryCache{
		store:  make(map[string]cacheItem),
		ttl:    defaultTTL,
		logger: zap.NewNop(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl > 0 {
		// Start a background cleanup goroutine
		go c.cleanupLoop(cleanupInterval(c.ttl))
	}
	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return 10 * time.Minute
}

// Get retrieves an item from the cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (string, error) {
	// Check context cancellation first
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return "", err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return "", errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}

	if item.expiration != 0 && time.Now().UnixNano() > item.expiration {
		// Item expired (lazy cleanup)
		c.logger.Debug("cache item expired", zap.String("key", key))
		return "", errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}

	return item.value, nil
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value string) error {
	// Check context cancellation first
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var expiration int64
	if c.ttl > 0 {
		expiration = time.Now().Add(c.ttl).UnixNano()
	}
	c.store[key] = cacheItem{
		value:      value,
		expiration: expiration,
	}
	c.logger.Debug("cache item set", zap.String("key", key))
	return nil
}

// Len returns the number of stored items, expired or not.
func (c *InMemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Close stops the cleanup goroutine.
func (c *InMemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// cleanupLoop periodically removes expired items.
func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *InMemoryCache) purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now().UnixNano()
	for key, item := range c.store {
		if item.expiration != 0 && now > item.expiration {
			delete(c.store, key)
		}
	}
}
