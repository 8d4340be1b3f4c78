package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/cache"
)

// RouteClass groups endpoints that share a rate-limit budget (spec §4.7).
type RouteClass string

const (
	RouteClassAuth     RouteClass = "auth"
	RouteClassUpload   RouteClass = "upload"
	RouteClassAnalysis RouteClass = "analysis"
	RouteClassAdmin    RouteClass = "admin"
	RouteClassDefault  RouteClass = "default"
)

// SlidingWindowLimiter enforces a per-(identity, route class) request
// budget using a fixed-window counter in Redis (INCR + EXPIRE on the
// first increment of each window). On any Redis error it falls back to
// the in-process token-bucket limiter rather than denying or silently
// permitting every request — never deny on a cache outage, per spec
// §4.7, but never go fully unbounded either.
type SlidingWindowLimiter struct {
	cache    *cache.Cache
	fallback *RateLimiter
	limit    int64
	window   time.Duration
}

// NewSlidingWindowLimiter creates a limiter allowing `limit` requests per
// `window` per identity+class, backed by Redis with an in-process
// fallback sized to roughly the same rate.
func NewSlidingWindowLimiter(c *cache.Cache, limit int64, window time.Duration) *SlidingWindowLimiter {
	perSecond := float64(limit) / window.Seconds()
	return &SlidingWindowLimiter{
		cache:    c,
		fallback: NewRateLimiter(perSecond, int(limit)),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether identity may make one more request in class, and
// the number of seconds until the caller should retry if not.
func (s *SlidingWindowLimiter) Allow(ctx context.Context, identity string, class RouteClass) (allowed bool, retryAfterSeconds int) {
	if s.cache == nil || !s.cache.IsEnabled() {
		return s.fallback.Allow(identity + ":" + string(class)), int(s.window.Seconds())
	}

	key := fmt.Sprintf("ratelimit:%s:%s", class, identity)
	count, err := s.cache.Increment(ctx, key)
	if err != nil {
		// Redis reachable but erroring mid-command: degrade to the
		// in-process limiter rather than failing the request open.
		return s.fallback.Allow(identity + ":" + string(class)), int(s.window.Seconds())
	}
	if count == 1 {
		_ = s.cache.Expire(ctx, key, s.window)
	}
	if count > s.limit {
		ttl, ttlErr := s.cache.TTL(ctx, key)
		if ttlErr != nil || ttl <= 0 {
			ttl = s.window
		}
		return false, int(ttl.Seconds())
	}
	return true, 0
}

// Middleware returns gin middleware that rate limits by principal id
// when authenticated, falling back to client IP otherwise.
func (s *SlidingWindowLimiter) Middleware(class RouteClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.ClientIP()
		if principalID, exists := c.Get("principal_id"); exists {
			if id, ok := principalID.(string); ok && id != "" {
				identity = "principal:" + id
			}
		}

		allowed, retryAfter := s.Allow(c.Request.Context(), identity, class)
		if !allowed {
			respondRateLimited(c, retryAfter)
			return
		}
		c.Next()
	}
}
