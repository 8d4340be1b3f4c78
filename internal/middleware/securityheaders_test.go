package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityHeaders_SetsProductionHeaderSet(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeaders())
	router.GET("/api/v1/thing", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/thing", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=31536000")
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "nonce-")
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", w.Header().Get("Cache-Control"))
}

func TestSecurityHeaders_SkipsCacheControlOnHealthAndVersion(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeaders())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Cache-Control"))
}

func TestSecurityHeadersRelaxed_AllowsInlineAndEvalForDev(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeadersRelaxed())
	router.GET("/api/v1/thing", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/thing", nil)
	router.ServeHTTP(w, req)

	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "unsafe-inline")
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
}
