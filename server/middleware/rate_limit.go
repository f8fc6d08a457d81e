package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/cache"
)

// rateLimitWindow is the fixed counting window. Counters are shared through
// the cache backend so limits hold across gateway restarts when Redis is
// configured.
const rateLimitWindow = time.Minute

type RateLimiter struct {
	counters cache.Cache
	limit    int64
	logger   *zap.Logger
}

// NewRateLimiter builds a fixed-window limiter. rps is the configured
// requests-per-second budget; burst is added on top to absorb short spikes.
func NewRateLimiter(rps, burst int, counters cache.Cache, logger *zap.Logger) *RateLimiter {
	perWindow := int64(rps)*int64(rateLimitWindow/time.Second) + int64(burst)

	return &RateLimiter{
		counters: counters,
		limit:    perWindow,
		logger:   logger,
	}
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		count, err := rl.counters.IncrementWithTTL(c.Request.Context(), cache.RateLimitKey(clientIP), rateLimitWindow)
		if err != nil {
			// Counting backend down; let the request through rather than
			// locking out the UI.
			rl.logger.Warn("Rate limit counter unavailable", zap.Error(err))
			c.Next()
			return
		}

		if count > rl.limit {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Int64("count", count))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": int(rateLimitWindow.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Remaining reports how many requests a client has left in the current
// window, for diagnostics.
func (rl *RateLimiter) Remaining(c *gin.Context, clientIP string) int64 {
	var count int64
	if err := rl.counters.Get(c.Request.Context(), cache.RateLimitKey(clientIP), &count); err != nil {
		return rl.limit
	}
	remaining := rl.limit - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	return map[string]interface{}{
		"window_seconds": int(rateLimitWindow.Seconds()),
		"limit":          rl.limit,
	}
}
