package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Set(ctx context.Context, key string, value interface{}) error

	Get(ctx context.Context, key string, dest interface{}) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	GetTTL(ctx context.Context, key string) (time.Duration, error)

	Increment(ctx context.Context, key string) (int64, error)

	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Connected bool   `json:"connected"`
	Info      string `json:"info"`
}

// Well-known keys shared by the processor and the HTTP handlers.
const (
	KeyRollingRisk  = "biolink:risk:rolling"
	KeyLatestWindow = "biolink:window:latest"
)

func WindowResultKey(windowID string) string {
	return "biolink:window:result:" + windowID
}

func RateLimitKey(clientID string) string {
	return "biolink:ratelimit:" + clientID
}
