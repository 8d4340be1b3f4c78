package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logship/core/internal/cache"
)

func disabledSessionCache(t *testing.T) *SessionCache {
	t.Helper()
	c, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)
	return NewSessionCache(c)
}

func TestSessionCache_DisabledIsAlwaysAMiss(t *testing.T) {
	s := disabledSessionCache(t)
	assert.False(t, s.IsEnabled())

	err := s.Put(context.Background(), "fp1", "principal1", "session1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, _, ok := s.Get(context.Background(), "fp1")
	assert.False(t, ok)
}

func TestSessionCache_DisabledInvalidateIsNoop(t *testing.T) {
	s := disabledSessionCache(t)
	assert.NoError(t, s.Invalidate(context.Background(), "fp1"))
	assert.NoError(t, s.InvalidatePrincipal(context.Background(), []string{"fp1", "fp2"}))
}

func TestSessionCache_KeyNamespacing(t *testing.T) {
	s := disabledSessionCache(t)
	assert.Equal(t, "session:abc123", s.key("abc123"))
}
