// Package errors provides standardized error handling for the core API.
//
// This package implements a consistent error format across all API endpoints:
//   - Structured error responses with error codes
//   - Automatic HTTP status code mapping
//   - Optional error details for debugging
//   - Machine-readable error codes for client error handling
//
// Error Categories:
//   - Client Errors (4xx): Bad request, unauthorized, forbidden, not found, quota/rate limited
//   - Server Errors (5xx): Internal errors, database errors, service unavailable
//
// Usage patterns:
//
//	// Simple error
//	return errors.NotFound("analysis")
//
//	// Error with custom message
//	return errors.QuotaExceeded("upload would exceed quota")
//
//	// Wrap underlying error
//	return errors.DatabaseError(err)
//
//	// In HTTP handler
//	c.JSON(err.StatusCode, err.ToResponse())
//
// JSON Response Format:
//
//	{
//	  "error": "QUOTA_EXCEEDED",
//	  "message": "upload would exceed quota",
//	  "code": "QUOTA_EXCEEDED",
//	  "correlation_id": "a1b2c3d4",
//	  "detail": "..."
//	}
package errors

import (
	"fmt"
	"net/http"
)

// AppError represents a standardized application error with HTTP context.
type AppError struct {
	// Code is a machine-readable error identifier (UPPER_SNAKE_CASE).
	Code string `json:"code"`

	// Message is a human-readable error description, safe to show end users.
	Message string `json:"message"`

	// Details provides additional context for debugging. Never populated
	// from user-controlled data that could leak internal URLs/headers.
	Details string `json:"details,omitempty"`

	// CorrelationID ties a 500 back to server-side logs.
	CorrelationID string `json:"correlation_id,omitempty"`

	// StatusCode is the HTTP status code to return. Not serialized, and not
	// read by ToResponse; callers pass it to the response writer themselves.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the stable JSON shape returned to clients.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Details       string `json:"detail,omitempty"`
}

// Error codes. These map 1:1 onto the taxonomy kinds a caller must
// distinguish: InputInvalid, AuthExpired/InvalidCredentials/Forbidden,
// NotFound, Conflict, QuotaExceeded/SizeExceeded/RateLimited,
// InvalidArchive/UnsupportedArchive/CorruptArchive,
// ParserFailure/ParserTimeout/ParserOOM, UrlFetchFailed, Internal.
const (
	// Client errors (4xx)
	ErrCodeBadRequest        = "INPUT_INVALID"
	ErrCodeUnauthorized      = "AUTH_EXPIRED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeWeakPassword      = "WEAK_PASSWORD"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeSizeExceeded      = "SIZE_EXCEEDED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInvalidArchive    = "INVALID_ARCHIVE"
	ErrCodeUnsupportedArchive = "UNSUPPORTED_ARCHIVE"
	ErrCodeCorruptArchive    = "CORRUPT_ARCHIVE"
	ErrCodeUrlFetchFailed    = "URL_FETCH_FAILED"
	ErrCodeNotCancellable    = "NOT_CANCELLABLE"

	// Recorded on an Analysis, not surfaced as a 5xx unless synchronous.
	ErrCodeParserFailure = "PARSER_FAILURE"
	ErrCodeParserTimeout = "PARSER_TIMEOUT"
	ErrCodeParserOOM     = "PARSER_OOM"

	// Server errors (5xx)
	ErrCodeInternalServer    = "INTERNAL"
	ErrCodeDatabaseError     = "DATABASE_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: getStatusCodeForErrorCode(code),
	}
}

// NewWithDetails creates a new AppError with details.
func NewWithDetails(code string, message string, details string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: getStatusCodeForErrorCode(code),
	}
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

// WithCorrelationID returns a copy of e carrying a correlation id, for
// 500s where the client gets a generic message but operators can look
// the id up in structured logs.
func (e *AppError) WithCorrelationID(id string) *AppError {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

func getStatusCodeForErrorCode(code string) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeValidationFailed, ErrCodeInvalidArchive, ErrCodeUrlFetchFailed, ErrCodeNotCancellable:
		return http.StatusBadRequest
	case ErrCodeUnauthorized, ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeWeakPassword:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeQuotaExceeded, ErrCodeSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUnsupportedArchive, ErrCodeCorruptArchive:
		return http.StatusBadRequest
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeInternalServer, ErrCodeDatabaseError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ToResponse converts AppError to the wire ErrorResponse.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:         e.Code,
		Message:       e.Message,
		Code:          e.Code,
		CorrelationID: e.CorrelationID,
		Details:       e.Details,
	}
}

// Common error constructors for convenience.

func BadRequest(message string) *AppError     { return New(ErrCodeBadRequest, message) }
func Unauthorized(message string) *AppError   { return New(ErrCodeUnauthorized, message) }
func Forbidden(message string) *AppError      { return New(ErrCodeForbidden, message) }
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}
func Conflict(message string) *AppError         { return New(ErrCodeConflict, message) }
func ValidationFailed(message string) *AppError { return New(ErrCodeValidationFailed, message) }
func QuotaExceeded(message string) *AppError    { return New(ErrCodeQuotaExceeded, message) }
func SizeExceeded(message string) *AppError     { return New(ErrCodeSizeExceeded, message) }
func WeakPassword(message string) *AppError     { return New(ErrCodeWeakPassword, message) }
func NotCancellable(message string) *AppError   { return New(ErrCodeNotCancellable, message) }

// RateLimited returns a RATE_LIMITED error carrying the earliest retry time
// as a human-readable detail (spec §4.7: "include the earliest retry time").
func RateLimited(retryAfterSeconds int) *AppError {
	return NewWithDetails(ErrCodeRateLimited, "Too many requests. Please try again later.",
		fmt.Sprintf("retry_after_seconds=%d", retryAfterSeconds))
}

func InvalidCredentials() *AppError {
	return New(ErrCodeInvalidCredentials, "Invalid handle or password")
}

func AuthExpired() *AppError {
	return New(ErrCodeUnauthorized, "Session has expired or is no longer valid")
}

func InvalidArchive(reason string) *AppError {
	return NewWithDetails(ErrCodeInvalidArchive, "The uploaded archive could not be read", reason)
}

func UnsupportedArchive() *AppError {
	return New(ErrCodeUnsupportedArchive, "Archive format is not recognized")
}

func CorruptArchive() *AppError {
	return New(ErrCodeCorruptArchive, "Archive is truncated or corrupt")
}

// UrlFetchFailed maps a URL-ingestion failure to a client-safe message.
// It never echoes the fetched URL, upstream headers, or internal details.
func UrlFetchFailed(kind string) *AppError {
	switch kind {
	case "denied":
		return New(ErrCodeUrlFetchFailed, "Access denied. The URL requires authentication or the link has expired.")
	case "not_found":
		return New(ErrCodeUrlFetchFailed, "The URL could not be found.")
	case "timeout":
		return New(ErrCodeUrlFetchFailed, "The download timed out.")
	case "refused":
		return New(ErrCodeUrlFetchFailed, "The connection to the URL was refused.")
	default:
		return New(ErrCodeUrlFetchFailed, "The URL could not be downloaded.")
	}
}

func InternalServer(message string) *AppError { return New(ErrCodeInternalServer, message) }

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabaseError, "Database operation failed", err)
}

func ServiceUnavailable(service string) *AppError {
	return New(ErrCodeServiceUnavailable, fmt.Sprintf("%s is currently unavailable", service))
}
