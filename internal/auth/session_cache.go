// This file implements a Redis-backed positive-cache in front of the
// Postgres sessions table, so that validating a bearer token on every
// request doesn't mean a database round trip on every request.
//
// The cache is purely an optimization: on a miss (or when Redis is
// disabled or unreachable) callers fall back to db.SessionDB directly.
// Logout and password-change invalidation always delete from both the
// cache and the database, so a cached entry never outlives the session
// it mirrors by more than its own TTL.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/logship/core/internal/cache"
)

// SessionCache caches "this fingerprint maps to this principal and is
// valid until X" so middleware can skip the database on the hot path.
type SessionCache struct {
	cache *cache.Cache
}

// cachedSession is the value stored per fingerprint.
type cachedSession struct {
	PrincipalID string    `json:"principal_id"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewSessionCache creates a new SessionCache. A nil or disabled cache
// client degrades every method to a cache miss, which callers handle by
// falling back to Postgres.
func NewSessionCache(c *cache.Cache) *SessionCache {
	return &SessionCache{cache: c}
}

// IsEnabled reports whether the underlying Redis client is usable.
func (s *SessionCache) IsEnabled() bool {
	return s.cache != nil && s.cache.IsEnabled()
}

// Put stores a validated session, TTL'd to its own expiry so a stale
// entry self-evicts even if the invalidation path is ever missed.
func (s *SessionCache) Put(ctx context.Context, fingerprint, principalID, sessionID string, expiresAt time.Time) error {
	if !s.IsEnabled() {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.cache.Set(ctx, s.key(fingerprint), cachedSession{
		PrincipalID: principalID,
		SessionID:   sessionID,
		ExpiresAt:   expiresAt,
	}, ttl)
}

// Get returns (principalID, sessionID, true) on a cache hit that hasn't
// passed its own expiry, or ("", "", false) on a miss — which includes
// "cache disabled", the caller treats both the same way.
func (s *SessionCache) Get(ctx context.Context, fingerprint string) (principalID, sessionID string, ok bool) {
	if !s.IsEnabled() {
		return "", "", false
	}
	var entry cachedSession
	if err := s.cache.Get(ctx, s.key(fingerprint), &entry); err != nil {
		return "", "", false
	}
	if time.Now().After(entry.ExpiresAt) {
		return "", "", false
	}
	return entry.PrincipalID, entry.SessionID, true
}

// Invalidate removes a single session's cache entry (logout).
func (s *SessionCache) Invalidate(ctx context.Context, fingerprint string) error {
	if !s.IsEnabled() {
		return nil
	}
	return s.cache.Delete(ctx, s.key(fingerprint))
}

// InvalidatePrincipal removes every cached session fingerprint tagged
// with principalID (password change). Fingerprints aren't derivable from
// principalID alone, so callers pass the exact list of fingerprints
// being revoked in the same database transaction.
func (s *SessionCache) InvalidatePrincipal(ctx context.Context, fingerprints []string) error {
	if !s.IsEnabled() {
		return nil
	}
	for _, fp := range fingerprints {
		if err := s.cache.Delete(ctx, s.key(fp)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionCache) key(fingerprint string) string {
	return fmt.Sprintf("session:%s", fingerprint)
}
