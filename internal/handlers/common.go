// Package handlers implements the HTTP surface of the log-archive
// ingestion core (spec C9): parsing requests, enforcing authorization,
// delegating to the other components, and formatting responses. No
// business logic lives here — every handler is a thin translation
// layer over internal/db, internal/jobs, internal/audit, and friends.
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/audit"
	"github.com/logship/core/internal/errors"
	"github.com/logship/core/internal/geo"
	"github.com/logship/core/internal/middleware"
	"github.com/logship/core/internal/models"
)

// mustPrincipal returns the authenticated principal set by RequireAuth.
// Only safe to call from a route behind that middleware, which every
// route calling it is.
func mustPrincipal(c *gin.Context) *models.Principal {
	return middleware.GetPrincipal(c)
}

// respondError writes an AppError's wire shape with the matching status.
func respondError(c *gin.Context, err *errors.AppError) {
	c.JSON(err.StatusCode, err.ToResponse())
}

// respondInternal logs and folds an unexpected error into a generic 500
// whose correlation id ties back to the structured log line, never
// echoing err's text to the client.
func respondInternal(c *gin.Context, err *errors.AppError) {
	requestID := middleware.GetRequestID(c)
	c.JSON(err.StatusCode, err.WithCorrelationID(requestID).ToResponse())
}

// requestGeo resolves the request's client IP and, if resolver is
// non-nil, its coarse location — both inputs to every AuditEvent a
// handler records (spec §4.8).
func requestGeo(c *gin.Context, resolver *geo.Resolver) (ip, location string) {
	ip = geo.ClientIP(c.GetHeader("X-Forwarded-For"), c.ClientIP(), nil)
	if resolver == nil {
		return ip, ""
	}
	return ip, resolver.Resolve(c.Request.Context(), ip).RawLabel
}

// auditEvent fills in the request-scoped fields of an audit.Event
// (actor, IP, geo, user agent, request id) that every call site would
// otherwise repeat.
func auditEvent(c *gin.Context, resolver *geo.Resolver, principalID *string, action string) audit.Event {
	ip, loc := requestGeo(c, resolver)
	return audit.Event{
		PrincipalID: principalID,
		Action:      action,
		IP:          ip,
		Geo:         loc,
		UserAgent:   c.Request.UserAgent(),
		RequestID:   middleware.GetRequestID(c),
	}
}

// pagination reads page/page_size query parameters with the teacher's
// own defaults and bounds (page >= 1, 1 <= page_size <= 1000).
func pagination(c *gin.Context) (page, pageSize, limit, offset int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "100"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 100
	}
	return page, pageSize, pageSize, (page - 1) * pageSize
}
