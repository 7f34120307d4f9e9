// Package errors provides standardized error handling for the OneMedia service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the OneMedia service.
type ErrorCode string

const (
	// Validation errors
	OM_VALIDATION  ErrorCode = "OM_VALIDATION"  // Malformed input, rejected before any remote call
	OM_BAD_REQUEST ErrorCode = "OM_BAD_REQUEST" // Bad request (method, body encoding)

	// Authentication/Authorization errors
	OM_AUTH_REJECTED     ErrorCode = "OM_AUTH_REJECTED"     // Invalid or missing API key, origin mismatch
	OM_FORBIDDEN         ErrorCode = "OM_FORBIDDEN"         // Operation not allowed for this node or attachment
	OM_ALREADY_CONNECTED ErrorCode = "OM_ALREADY_CONNECTED" // Brand node already paired with another governing site

	// Resource errors
	OM_NOT_FOUND              ErrorCode = "OM_NOT_FOUND"              // Resource not found
	OM_CONFLICT               ErrorCode = "OM_CONFLICT"               // Resource conflict
	OM_ATTACHMENT_ID_MISMATCH ErrorCode = "OM_ATTACHMENT_ID_MISMATCH" // Ingestion integrity violation
	OM_NO_VERSION_HISTORY     ErrorCode = "OM_NO_VERSION_HISTORY"     // Restore without a matching snapshot
	OM_UNSUPPORTED_FILE_TYPE  ErrorCode = "OM_UNSUPPORTED_FILE_TYPE"  // Brand node cannot store the mime type
	OM_MEDIA_SIZE             ErrorCode = "OM_MEDIA_SIZE"             // Media size limit exceeded

	// Rate limiting
	OM_RATE_LIMIT ErrorCode = "OM_RATE_LIMIT" // Too many requests

	// Server errors
	OM_UNREACHABLE ErrorCode = "OM_UNREACHABLE" // One or more brand sites could not be reached
	OM_INTERNAL    ErrorCode = "OM_INTERNAL"    // Internal server error
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case OM_VALIDATION, OM_BAD_REQUEST, OM_MEDIA_SIZE:
		return http.StatusBadRequest
	case OM_AUTH_REJECTED:
		return http.StatusUnauthorized
	case OM_FORBIDDEN:
		return http.StatusForbidden
	case OM_NOT_FOUND, OM_NO_VERSION_HISTORY:
		return http.StatusNotFound
	case OM_CONFLICT, OM_ALREADY_CONNECTED, OM_ATTACHMENT_ID_MISMATCH:
		return http.StatusConflict
	case OM_UNSUPPORTED_FILE_TYPE:
		return http.StatusUnsupportedMediaType
	case OM_RATE_LIMIT:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
