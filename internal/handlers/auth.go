// This file implements credential-based login/logout, session
// introspection, and self-service password change (spec C6, C9).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/audit"
	authpkg "github.com/logship/core/internal/auth"
	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/errors"
	"github.com/logship/core/internal/geo"
	"github.com/logship/core/internal/middleware"
	"github.com/logship/core/internal/models"
)

// AuthHandler handles login, logout, session introspection, and
// password change.
type AuthHandler struct {
	principalDB  *db.PrincipalDB
	sessionDB    *db.SessionDB
	sessionCache *authpkg.SessionCache
	jwt          *authpkg.JWTManager
	recorder     *audit.Recorder
	geo          *geo.Resolver
}

func NewAuthHandler(principalDB *db.PrincipalDB, sessionDB *db.SessionDB, sessionCache *authpkg.SessionCache, jwt *authpkg.JWTManager, recorder *audit.Recorder, geoResolver *geo.Resolver) *AuthHandler {
	return &AuthHandler{
		principalDB:  principalDB,
		sessionDB:    sessionDB,
		sessionCache: sessionCache,
		jwt:          jwt,
		recorder:     recorder,
		geo:          geoResolver,
	}
}

// RegisterRoutes registers the unauthenticated login route and the
// bearer-protected session routes. requireAuth is applied per-route
// here rather than on the whole group, since /auth/login has none.
func (h *AuthHandler) RegisterRoutes(router *gin.RouterGroup, requireAuth gin.HandlerFunc) {
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/logout", requireAuth, h.Logout)
		authGroup.GET("/me", requireAuth, h.Me)
		authGroup.POST("/change-password", requireAuth, h.ChangePassword)
	}
}

type loginRequest struct {
	Handle   string `json:"handle" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	Principal *models.Principal `json:"principal"`
}

// Login godoc
// @Summary Authenticate with a handle and password
// @Tags auth
// @Accept json
// @Produce json
// @Param body body loginRequest true "Credentials"
// @Success 200 {object} loginResponse
// @Failure 401 {object} errors.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("handle and password are required"))
		return
	}

	ctx := c.Request.Context()
	principal, err := h.principalDB.GetPrincipalByHandle(ctx, req.Handle)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	if principal == nil || !principal.Active || !db.VerifyPassword(principal.PasswordHash, req.Password) {
		ev := auditEvent(c, h.geo, nil, "login")
		ev.Outcome = models.OutcomeFailure
		ev.Detail = map[string]interface{}{"handle": req.Handle}
		h.recorder.Record(ctx, ev)
		respondError(c, errors.InvalidCredentials())
		return
	}

	ttl := h.jwt.GetTokenDuration()
	session, err := h.sessionDB.CreateSession(ctx, principal.ID, authpkg.NewPendingFingerprint(), c.ClientIP(), c.Request.UserAgent(), ttl)
	if err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	token, err := h.jwt.GenerateToken(session.ID, session.ExpiresAt)
	if err != nil {
		respondInternal(c, errors.InternalServer("failed to issue session token"))
		return
	}

	fingerprint := authpkg.FingerprintToken(token)
	if err := h.sessionDB.UpdateFingerprint(ctx, session.ID, fingerprint); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	_ = h.sessionCache.Put(ctx, fingerprint, principal.ID, session.ID, session.ExpiresAt)
	_ = h.principalDB.RecordLogin(ctx, principal.ID)

	ev := auditEvent(c, h.geo, &principal.ID, "login")
	ev.Outcome = models.OutcomeSuccess
	h.recorder.Record(ctx, ev)

	c.JSON(http.StatusOK, loginResponse{Token: token, Principal: principal})
}

// Logout godoc
// @Summary Invalidate the current session
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} errors.ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := middleware.GetSessionID(c)
	fingerprint := middleware.GetTokenFingerprint(c)
	principal := middleware.GetPrincipal(c)

	if err := h.sessionDB.DeleteSession(ctx, sessionID); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}
	_ = h.sessionCache.Invalidate(ctx, fingerprint)

	ev := auditEvent(c, h.geo, &principal.ID, "logout")
	ev.Outcome = models.OutcomeSuccess
	h.recorder.Record(ctx, ev)

	c.JSON(http.StatusOK, gin.H{})
}

// Me godoc
// @Summary Return the authenticated principal
// @Tags auth
// @Produce json
// @Success 200 {object} models.Principal
// @Failure 401 {object} errors.ErrorResponse
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, middleware.GetPrincipal(c))
}

type changePasswordRequest struct {
	Current string `json:"current" binding:"required"`
	Next    string `json:"next" binding:"required"`
}

// ChangePassword godoc
// @Summary Change the authenticated principal's password
// @Description Invalidates every session for the principal, including the current one (spec §4.6).
// @Tags auth
// @Accept json
// @Produce json
// @Param body body changePasswordRequest true "Current and new password"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Router /auth/change-password [post]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("current and next password are required"))
		return
	}

	principal := middleware.GetPrincipal(c)
	if !db.VerifyPassword(principal.PasswordHash, req.Current) {
		respondError(c, errors.InvalidCredentials())
		return
	}
	if appErr := authpkg.ValidatePasswordPolicy(req.Next); appErr != nil {
		respondError(c, appErr)
		return
	}

	ctx := c.Request.Context()
	hash, err := db.HashPassword(req.Next)
	if err != nil {
		respondInternal(c, errors.InternalServer("failed to hash password"))
		return
	}
	if err := h.principalDB.SetPasswordHash(ctx, principal.ID, hash); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	fingerprints, err := h.sessionDB.ListFingerprintsForPrincipal(ctx, principal.ID)
	if err == nil {
		_ = h.sessionCache.InvalidatePrincipal(ctx, fingerprints)
	}
	if err := h.sessionDB.DeleteAllForPrincipal(ctx, principal.ID); err != nil {
		respondInternal(c, errors.DatabaseError(err))
		return
	}

	ev := auditEvent(c, h.geo, &principal.ID, "change_password")
	ev.Outcome = models.OutcomeSuccess
	h.recorder.Record(ctx, ev)

	c.JSON(http.StatusOK, gin.H{})
}
