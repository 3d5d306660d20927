package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/covehq/cove-auth/internal/config"
)

// limiterEntry tracks when a client limiter was last touched so idle
// entries can be dropped.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit applies a per-client token bucket keyed by client IP.
// Stale buckets are swept on access instead of by a background goroutine.
func RateLimit(cfg config.Config) gin.HandlerFunc {
	var (
		mu        sync.Mutex
		entries   = make(map[string]*limiterEntry)
		lastSweep = time.Now()
	)

	const idleTTL = 10 * time.Minute

	return func(c *gin.Context) {
		key := c.ClientIP()
		now := time.Now()

		mu.Lock()
		if now.Sub(lastSweep) > idleTTL {
			for k, e := range entries {
				if now.Sub(e.lastSeen) > idleTTL {
					delete(entries, k)
				}
			}
			lastSweep = now
		}
		entry, ok := entries[key]
		if !ok {
			entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)}
			entries[key] = entry
		}
		entry.lastSeen = now
		allowed := entry.limiter.Allow()
		mu.Unlock()

		if !allowed {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "error_description": "Too many requests."})
			return
		}
		c.Next()
	}
}
