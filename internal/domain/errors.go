package domain

import (
	"errors"
	"net/http"
)

// Common errors used throughout the application.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrAlreadyCompleted   = errors.New("delivery already completed")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	ErrCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodeMalformedKey          = "MALFORMED_API_KEY"
	ErrCodeInvalidKey            = "INVALID_API_KEY"
	ErrCodeKeyRevoked            = "API_KEY_REVOKED"
	ErrCodeKeyExpired            = "API_KEY_EXPIRED"
	ErrCodePlanIneligible        = "PLAN_INELIGIBLE"
	ErrCodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	ErrCodeNotImplemented        = "NOT_IMPLEMENTED"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// AuthErrorKind enumerates why authentication was refused.
type AuthErrorKind int

const (
	AuthMalformedKey AuthErrorKind = iota + 1
	AuthInvalidKey
	AuthRevoked
	AuthExpired
	AuthPlanIneligible
)

// AuthError is a terminal admission failure. It is never retried by the gateway.
type AuthError struct {
	Kind    AuthErrorKind
	Message string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return e.Message
}

// Code returns the stable machine-readable code.
func (e *AuthError) Code() string {
	switch e.Kind {
	case AuthMalformedKey:
		return ErrCodeMalformedKey
	case AuthRevoked:
		return ErrCodeKeyRevoked
	case AuthExpired:
		return ErrCodeKeyExpired
	case AuthPlanIneligible:
		return ErrCodePlanIneligible
	default:
		return ErrCodeInvalidKey
	}
}

// Status returns the HTTP status for the failure.
func (e *AuthError) Status() int {
	if e.Kind == AuthPlanIneligible {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Is lets errors.Is match on kind, e.g. errors.Is(err, &AuthError{Kind: AuthRevoked}).
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// NewAuthError builds an AuthError.
func NewAuthError(kind AuthErrorKind, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message}
}

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}
