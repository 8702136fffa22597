package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Engine error codes.
const (
	ErrInvalidState         = "INVALID_STATE"
	ErrMissingRequiredField = "MISSING_REQUIRED_FIELD"
	ErrRenderFailure        = "RENDER_FAILURE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrBackendUnavailable,
		Message:   "The backend service is temporarily unavailable",
		Retryable: true,
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrBackendTimeout,
		Message:   "The backend service did not respond in time",
		Retryable: true,
	}
}

// NewInvalidStateError returns an INVALID_STATE error for an operation whose
// precondition on a step or workflow status does not hold.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewMissingRequiredFieldError returns a MISSING_REQUIRED_FIELD error with one
// detail entry per missing element id.
func NewMissingRequiredFieldError(ids []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(ids))
	for _, id := range ids {
		details = append(details, FieldError{
			Field:   id,
			Code:    "REQUIRED",
			Message: fmt.Sprintf("%s is required", id),
		})
	}
	return &ErrorEnvelope{
		Code:    ErrMissingRequiredField,
		Message: "Missing required fields: " + strings.Join(ids, ", "),
		Details: details,
	}
}

// NewRenderFailureError returns a retryable RENDER_FAILURE wrapping cause.
func NewRenderFailureError(cause error) *ErrorEnvelope {
	msg := "Image rendering failed. Retry, or take a screenshot of the preview instead"
	if cause != nil {
		msg = fmt.Sprintf("Image rendering failed (%v). Retry, or take a screenshot of the preview instead", cause)
	}
	return &ErrorEnvelope{
		Code:      ErrRenderFailure,
		Message:   msg,
		Retryable: true,
		cause:     cause,
	}
}

// MissingFields returns the field ids carried by a MISSING_REQUIRED_FIELD error.
func MissingFields(err error) []string {
	var ee *ErrorEnvelope
	if !errors.As(err, &ee) || ee.Code != ErrMissingRequiredField {
		return nil
	}
	ids := make([]string, 0, len(ee.Details))
	for _, d := range ee.Details {
		ids = append(ids, d.Field)
	}
	return ids
}
