package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logship/core/internal/cache"
)

func disabledCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)
	return c
}

// With Redis disabled, SlidingWindowLimiter falls back to its in-process
// RateLimiter sized at limit/window per second with a burst of limit —
// this exercises that fallback path without a live Redis instance.
func TestSlidingWindowLimiter_FallbackAllowsUpToLimit(t *testing.T) {
	l := NewSlidingWindowLimiter(disabledCache(t), 3, time.Minute)

	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow(context.Background(), "user-1", RouteClassAuth)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, retryAfter := l.Allow(context.Background(), "user-1", RouteClassAuth)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0)
}

func TestSlidingWindowLimiter_FallbackIsolatesByClassAndIdentity(t *testing.T) {
	l := NewSlidingWindowLimiter(disabledCache(t), 1, time.Minute)

	allowed, _ := l.Allow(context.Background(), "user-1", RouteClassAuth)
	assert.True(t, allowed)

	// Same identity, different class: separate budget.
	allowed, _ = l.Allow(context.Background(), "user-1", RouteClassUpload)
	assert.True(t, allowed)

	// Same identity and class again: exhausted.
	allowed, _ = l.Allow(context.Background(), "user-1", RouteClassAuth)
	assert.False(t, allowed)

	// Different identity, same class: independent budget.
	allowed, _ = l.Allow(context.Background(), "user-2", RouteClassAuth)
	assert.True(t, allowed)
}
