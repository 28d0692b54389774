package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/router"
)

// ErrorType classifies an API error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeUnavailable ErrorType = "unavailable"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(t ErrorType, status int, code, message string) *APIError {
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: status}
}

// ValidationError creates a 400 error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a 404 error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// ConflictError creates a 409 error
func ConflictError(code string, message string) *APIError {
	return newError(ErrorTypeConflict, http.StatusConflict, code, message)
}

// InternalError creates a 500 error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// UnavailableError creates a 503 error
func UnavailableError(code string, message string) *APIError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, code, message)
}

// FromError maps a Go error onto an API error. Errors from the route
// store, the route manager and the event inbox get their own status.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, domain.ErrRouteNotFound):
		return NotFoundError("route_not_found", err.Error())
	case errors.Is(err, domain.ErrDuplicateRoute):
		return ConflictError("duplicate_route", err.Error())
	case errors.Is(err, router.ErrInvalidDefinition):
		return ValidationError("invalid_route", err.Error())
	case errors.Is(err, router.ErrInboxFull):
		return UnavailableError("inbox_full", "Event inbox is full, retry later")
	}

	return InternalError("internal_error", err.Error())
}
