package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/logship/core/internal/errors"
)

// Request size limits. MaxUploadSize matches the default 500 MB ceiling
// on ingested log archives (spec §4.1); MaxJSONPayloadSize bounds the
// ordinary JSON API surface (analysis submission, admin config, etc).
const (
	MaxUploadSize      int64 = 500 * 1024 * 1024
	MaxJSONPayloadSize int64 = 1 * 1024 * 1024
)

// RequestSizeLimiter rejects requests whose body exceeds maxSize, both
// by the declared Content-Length and by wrapping the body in a
// MaxBytesReader so a lying Content-Length can't bypass the check.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			appErr := errors.SizeExceeded("request body exceeds the maximum allowed size")
			c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// JSONSizeLimiter bounds ordinary JSON API request bodies.
func JSONSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxJSONPayloadSize)
}

// UploadSizeLimiter bounds the multipart/file_url upload endpoint. The
// archive-reading path enforces the same ceiling independently while
// streaming (spec §4.1), since a multipart body's declared size doesn't
// bound the part actually written to the object store.
func UploadSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxUploadSize)
}
