package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/logship/core/internal/errors"
)

// RateLimiter implements per-IP rate limiting using a token bucket. It is
// the fallback path SlidingWindowLimiter uses when Redis is unreachable
// (spec §4.7: "degrade to permit, but fall back to the in-process
// limiter rather than letting every request through unchecked").
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
}

// NewRateLimiter creates a new per-IP rate limiter.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		cleanup:  5 * time.Minute,
	}
	go rl.cleanupRoutine()
	return rl
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
		rl.mu.Unlock()
	}
	return limiter
}

// Allow reports whether key (an IP or principal id) may proceed under
// the in-process token bucket, without touching gin.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware that rate limits requests by IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			respondRateLimited(c, 1)
			return
		}
		c.Next()
	}
}

// StrictMiddleware returns a stricter per-IP limiter for sensitive
// operations (e.g. login attempts).
func (rl *RateLimiter) StrictMiddleware(requestsPerMinute int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			respondRateLimited(c, 60)
			return
		}
		c.Next()
	}
}

// EndpointRateLimiter implements per-principal, per-endpoint in-process
// rate limiting. SlidingWindowLimiter does not use it; its fallback is a
// RateLimiter.
type EndpointRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewEndpointRateLimiter creates a rate limiter for specific endpoints.
func NewEndpointRateLimiter(requestsPerHour int, burst int) *EndpointRateLimiter {
	return &EndpointRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

// Allow reports whether principalID may proceed against endpoint under
// the in-process token bucket.
func (erl *EndpointRateLimiter) Allow(principalID, endpoint string) bool {
	key := principalID + ":" + endpoint
	erl.mu.RLock()
	limiter, exists := erl.limiters[key]
	erl.mu.RUnlock()

	if !exists {
		erl.mu.Lock()
		limiter = rate.NewLimiter(erl.rate, erl.burst)
		erl.limiters[key] = limiter
		erl.mu.Unlock()
	}
	return limiter.Allow()
}

// Middleware returns middleware for endpoint-specific rate limiting. Must
// run after RequireAuth so "principal_id" is set in the gin context.
func (erl *EndpointRateLimiter) Middleware(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principalID, exists := c.Get("principal_id")
		if !exists {
			c.Next()
			return
		}
		id, ok := principalID.(string)
		if !ok || id == "" {
			c.Next()
			return
		}
		if !erl.Allow(id, endpoint) {
			respondRateLimited(c, 3600)
			return
		}
		c.Next()
	}
}

func respondRateLimited(c *gin.Context, retryAfterSeconds int) {
	appErr := errors.RateLimited(retryAfterSeconds)
	c.Header("Retry-After", time.Duration(retryAfterSeconds*int(time.Second)).String())
	c.JSON(appErr.StatusCode, appErr.ToResponse())
	c.Abort()
}
