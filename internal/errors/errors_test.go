package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFound_StatusAndMessage(t *testing.T) {
	err := NotFound("analysis")
	assert.Equal(t, http.StatusNotFound, err.StatusCode)
	assert.Equal(t, "analysis not found", err.Message)
	assert.Equal(t, ErrCodeNotFound, err.Code)
}

func TestQuotaExceeded_Status(t *testing.T) {
	err := QuotaExceeded("upload would exceed quota")
	assert.Equal(t, http.StatusRequestEntityTooLarge, err.StatusCode)
}

func TestRateLimited_IncludesRetryAfter(t *testing.T) {
	err := RateLimited(42)
	assert.Equal(t, http.StatusTooManyRequests, err.StatusCode)
	assert.Contains(t, err.Details, "retry_after_seconds=42")
}

func TestUrlFetchFailed_KindsMapToDistinctMessages(t *testing.T) {
	cases := map[string]string{
		"denied":    "requires authentication",
		"not_found": "could not be found",
		"timeout":   "timed out",
		"refused":   "connection",
	}
	for kind, substr := range cases {
		err := UrlFetchFailed(kind)
		assert.Equal(t, ErrCodeUrlFetchFailed, err.Code)
		assert.Contains(t, err.Message, substr)
	}
	assert.Contains(t, UrlFetchFailed("something_else").Message, "could not be downloaded")
}

func TestWrap_CapturesUnderlyingError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := Wrap(ErrCodeDatabaseError, "Database operation failed", underlying)
	assert.Equal(t, "connection refused", err.Details)
}

func TestDatabaseError_WrapsErr(t *testing.T) {
	err := DatabaseError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, err.StatusCode)
	assert.Contains(t, err.Details, "boom")
}

func TestWithCorrelationID_DoesNotMutateOriginal(t *testing.T) {
	original := InternalServer("something broke")
	withID := original.WithCorrelationID("req-123")

	assert.Empty(t, original.CorrelationID)
	assert.Equal(t, "req-123", withID.CorrelationID)
}

func TestToResponse_MapsFields(t *testing.T) {
	err := Conflict("handle already taken").WithCorrelationID("req-456")
	resp := err.ToResponse()

	assert.Equal(t, ErrCodeConflict, resp.Error)
	assert.Equal(t, "handle already taken", resp.Message)
	assert.Equal(t, "req-456", resp.CorrelationID)
}

func TestError_ImplementsErrorInterface(t *testing.T) {
	var err error = NotFound("principal")
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestError_IncludesDetailsWhenPresent(t *testing.T) {
	err := InvalidArchive("unexpected EOF")
	assert.Contains(t, err.Error(), "unexpected EOF")
}
