package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCache is the fallback backend used when Redis is unreachable. Values
// are stored JSON-encoded so Get behaves the same as the Redis backend.
type MemoryCache struct {
	items   map[string]*memoryItem
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
}

type memoryItem struct {
	payload   []byte
	counter   int64
	isCounter bool
	expiresAt time.Time
	lastUsed  time.Time
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	c := &MemoryCache{
		items:   make(map[string]*memoryItem),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	c.cleanup = time.NewTicker(1 * time.Minute)
	go c.cleanupExpired()

	return c
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	c.items[key] = &memoryItem{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
		lastUsed:  time.Now(),
	}

	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mutex.Lock()
	item, exists := c.items[key]
	if exists && time.Now().After(item.expiresAt) {
		delete(c.items, key)
		exists = false
	}
	if exists {
		item.lastUsed = time.Now()
	}
	c.mutex.Unlock()

	if !exists {
		return ErrCacheMiss
	}

	if item.isCounter {
		return json.Unmarshal([]byte(fmt.Sprintf("%d", item.counter)), dest)
	}
	return json.Unmarshal(item.payload, dest)
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}

	if time.Now().After(item.expiresAt) {
		return false, nil
	}

	return true, nil
}

func (c *MemoryCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return 0, ErrCacheMiss
	}

	if time.Now().After(item.expiresAt) {
		return 0, ErrCacheMiss
	}

	return time.Until(item.expiresAt), nil
}

func (c *MemoryCache) Increment(ctx context.Context, key string) (int64, error) {
	return c.IncrementWithTTL(ctx, key, c.ttl)
}

func (c *MemoryCache) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	item, exists := c.items[key]
	if !exists || time.Now().After(item.expiresAt) || !item.isCounter {
		c.items[key] = &memoryItem{
			counter:   1,
			isCounter: true,
			expiresAt: time.Now().Add(ttl),
			lastUsed:  time.Now(),
		}
		return 1, nil
	}

	item.counter++
	item.expiresAt = time.Now().Add(ttl)
	item.lastUsed = time.Now()
	return item.counter, nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	expiredCount := 0
	for _, item := range c.items {
		if now.After(item.expiresAt) {
			expiredCount++
		}
	}

	return &CacheStats{
		Connected: true,
		Info: fmt.Sprintf("backend=memory,items=%d,expired=%d,max_size=%d",
			len(c.items), expiredCount, c.maxSize),
	}, nil
}

func (c *MemoryCache) Close() error {
	if c.cleanup != nil {
		c.cleanup.Stop()
	}
	close(c.stopCh)
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.lastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			c.mutex.Lock()
			now := time.Now()
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
