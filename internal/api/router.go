// Package api assembles the gin engine: middleware chain ordering and
// route registration for every handler. No handler logic lives here —
// this is wiring only (spec C9).
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/cache"
	"github.com/logship/core/internal/handlers"
	"github.com/logship/core/internal/middleware"
)

// Handlers bundles every HTTP handler the router registers. Built by
// cmd/server/main.go once all components are constructed.
type Handlers struct {
	Health    *handlers.HealthHandler
	Auth      *handlers.AuthHandler
	Modes     *handlers.ModesHandler
	Upload    *handlers.UploadHandler
	Analyses  *handlers.AnalysesHandler
	Admin     *handlers.AdminHandler
}

// Config controls the middleware chain's environment-sensitive pieces.
type Config struct {
	// RelaxedSecurityHeaders uses SecurityHeadersRelaxed instead of the
	// production CSP. Local/dev only.
	RelaxedSecurityHeaders bool
}

// Limiters holds one SlidingWindowLimiter per route class, each sized
// to that class's own (limit, window) pair per spec §4.7 — a single
// shared limiter can't express "5/60s for logins but 200/3600s for the
// general API", so the router takes one per class instead.
type Limiters map[middleware.RouteClass]*middleware.SlidingWindowLimiter

// NewRouter assembles the full gin engine: request id, security
// headers, body size limits, rate limiting, then route registration
// with auth/admin gates applied per group (spec §4.7, §4.9).
func NewRouter(cfg Config, h Handlers, authMW *middleware.AuthMiddleware, limiters Limiters, kv *cache.Cache) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())

	if cfg.RelaxedSecurityHeaders {
		engine.Use(middleware.SecurityHeadersRelaxed())
	} else {
		engine.Use(middleware.SecurityHeaders())
	}

	_ = kv // reserved: handlers reach the cache directly, not through the router

	root := engine.Group("/api/v1")
	root.Use(middleware.JSONSizeLimiter())

	h.Health.RegisterRoutes(root)

	requireAuth := authMW.RequireAuth()
	requireAdmin := authMW.RequireAdmin()

	authGroup := root.Group("")
	authGroup.Use(limiters[middleware.RouteClassAuth].Middleware(middleware.RouteClassAuth))
	h.Auth.RegisterRoutes(authGroup, requireAuth)

	authed := root.Group("")
	authed.Use(requireAuth)
	authed.Use(limiters[middleware.RouteClassAnalysis].Middleware(middleware.RouteClassAnalysis))
	{
		h.Modes.RegisterRoutes(authed)
		h.Analyses.RegisterRoutes(authed)
	}

	uploadGroup := root.Group("")
	uploadGroup.Use(requireAuth)
	uploadGroup.Use(middleware.UploadSizeLimiter())
	uploadGroup.Use(limiters[middleware.RouteClassUpload].Middleware(middleware.RouteClassUpload))
	h.Upload.RegisterRoutes(uploadGroup)

	admin := root.Group("/admin")
	admin.Use(requireAuth)
	admin.Use(requireAdmin)
	admin.Use(limiters[middleware.RouteClassAdmin].Middleware(middleware.RouteClassAdmin))
	{
		h.Admin.RegisterRoutes(admin)
		h.Modes.RegisterAdminRoutes(admin)
	}

	return engine
}

// RateLimitWindows returns the (limit, window) pairs spec §4.7 assigns
// to each route class, for constructing the per-class limiters that
// feed SlidingWindowLimiter.Allow.
func RateLimitWindows() map[middleware.RouteClass]struct {
	Limit  int64
	Window time.Duration
} {
	return map[middleware.RouteClass]struct {
		Limit  int64
		Window time.Duration
	}{
		middleware.RouteClassAuth:     {Limit: 5, Window: 60 * time.Second},
		middleware.RouteClassUpload:   {Limit: 10, Window: time.Hour},
		middleware.RouteClassAnalysis: {Limit: 200, Window: time.Hour},
		middleware.RouteClassAdmin:    {Limit: 200, Window: time.Hour},
	}
}
