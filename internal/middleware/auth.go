// This file implements the gin middleware that turns a bearer token into
// an authenticated request: validating the JWT envelope, resolving the
// session it names to a live database row (through SessionCache first),
// and attaching the principal to the gin context for downstream handlers
// and the rate limiter to key on.
package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/auth"
	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/errors"
	"github.com/logship/core/internal/models"
)

const (
	// PrincipalIDKey is the gin context key holding the authenticated
	// principal's id.
	PrincipalIDKey = "principal_id"

	// PrincipalKey is the gin context key holding the full *models.Principal.
	PrincipalKey = "principal"

	// SessionIDKey is the gin context key holding the current session id.
	SessionIDKey = "session_id"

	// TokenFingerprintKey is the gin context key holding the current
	// request's token fingerprint, so logout/change-password can
	// invalidate the cache entry without recomputing it.
	TokenFingerprintKey = "token_fingerprint"
)

// AuthMiddleware resolves bearer tokens to sessions and principals.
type AuthMiddleware struct {
	jwt          *auth.JWTManager
	sessionCache *auth.SessionCache
	sessionDB    *db.SessionDB
	principalDB  *db.PrincipalDB
}

// NewAuthMiddleware constructs an AuthMiddleware.
func NewAuthMiddleware(jwt *auth.JWTManager, sessionCache *auth.SessionCache, sessionDB *db.SessionDB, principalDB *db.PrincipalDB) *AuthMiddleware {
	return &AuthMiddleware{
		jwt:          jwt,
		sessionCache: sessionCache,
		sessionDB:    sessionDB,
		principalDB:  principalDB,
	}
}

// RequireAuth validates the Authorization header and loads the acting
// principal. A token is only accepted when its envelope signature and
// exp both check out AND the Session row it names still exists and
// hasn't expired AND the principal it belongs to is still active — any
// one of those failing is treated identically as AUTH_EXPIRED so a
// client can't distinguish "revoked" from "never existed" (spec §4.9).
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			respondAppError(c, errors.AuthExpired())
			return
		}

		claims, err := m.jwt.ValidateToken(raw)
		if err != nil {
			respondAppError(c, errors.AuthExpired())
			return
		}

		ctx := c.Request.Context()
		fingerprint := auth.FingerprintToken(raw)

		principalID, sessionID, ok := m.sessionCache.Get(ctx, fingerprint)
		if !ok {
			principalID, sessionID, ok = m.loadSessionFromDB(ctx, fingerprint)
		}
		if !ok || sessionID != claims.SessionID {
			respondAppError(c, errors.AuthExpired())
			return
		}

		principal, err := m.principalDB.GetPrincipal(ctx, principalID)
		if err != nil {
			respondAppError(c, errors.DatabaseError(err))
			return
		}
		if principal == nil || !principal.Active {
			respondAppError(c, errors.AuthExpired())
			return
		}

		c.Set(PrincipalIDKey, principal.ID)
		c.Set(PrincipalKey, principal)
		c.Set(SessionIDKey, sessionID)
		c.Set(TokenFingerprintKey, fingerprint)
		c.Next()
	}
}

// loadSessionFromDB falls back to Postgres on a cache miss, repopulating
// the cache on a hit so the next request on this session skips the
// database (spec §8.3).
func (m *AuthMiddleware) loadSessionFromDB(ctx context.Context, fingerprint string) (principalID, sessionID string, ok bool) {
	session, err := m.sessionDB.GetByFingerprint(ctx, fingerprint)
	if err != nil || session == nil {
		return "", "", false
	}
	if !session.ExpiresAt.After(time.Now().UTC()) {
		return "", "", false
	}
	_ = m.sessionCache.Put(ctx, fingerprint, session.PrincipalID, session.ID, session.ExpiresAt)
	return session.PrincipalID, session.ID, true
}

// RequireAdmin wraps RequireAuth's result with a role check performed
// against the freshly-loaded Principal row, not any claim cached in the
// token, so a demoted admin loses admin access on their very next
// request rather than at their next login (spec §4.9).
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, exists := c.Get(PrincipalKey)
		if !exists {
			respondAppError(c, errors.Forbidden("admin access required"))
			return
		}
		p, ok := principal.(*models.Principal)
		if !ok || p.Role != models.RoleAdmin {
			respondAppError(c, errors.Forbidden("admin access required"))
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the authenticated principal set by RequireAuth.
func GetPrincipal(c *gin.Context) *models.Principal {
	v, exists := c.Get(PrincipalKey)
	if !exists {
		return nil
	}
	p, _ := v.(*models.Principal)
	return p
}

// GetSessionID returns the session id set by RequireAuth.
func GetSessionID(c *gin.Context) string {
	v, _ := c.Get(SessionIDKey)
	s, _ := v.(string)
	return s
}

// GetTokenFingerprint returns the token fingerprint set by RequireAuth.
func GetTokenFingerprint(c *gin.Context) string {
	v, _ := c.Get(TokenFingerprintKey)
	s, _ := v.(string)
	return s
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func respondAppError(c *gin.Context, err *errors.AppError) {
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
