package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the common failure classes. Stores and services wrap
// these so handlers can map them to HTTP statuses without knowing the layer
// that produced them.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrBadGateway     = errors.New("bad gateway")
	ErrGone           = errors.New("gone")
)

// sentinelStatus maps each sentinel to its HTTP status.
var sentinelStatus = map[error]int{
	ErrNotFound:       http.StatusNotFound,
	ErrAlreadyExists:  http.StatusConflict,
	ErrConflict:       http.StatusConflict,
	ErrInvalidInput:   http.StatusBadRequest,
	ErrUnauthorized:   http.StatusUnauthorized,
	ErrForbidden:      http.StatusForbidden,
	ErrRateLimited:    http.StatusTooManyRequests,
	ErrBadGateway:     http.StatusBadGateway,
	ErrServiceUnavail: http.StatusServiceUnavailable,
	ErrGone:           http.StatusGone,
}

// AppError is a structured application error carrying a machine-readable
// code, a user-facing message and an HTTP status. The wrapped sentinel keeps
// errors.Is working across layers.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func app(sentinel error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  sentinelStatus[sentinel],
		Err:     sentinel,
	}
}

// NotFound creates a 404 error naming the missing resource.
func NotFound(resource, id string) *AppError {
	return app(ErrNotFound, "NOT_FOUND", fmt.Sprintf("%s with id %s not found", resource, id))
}

// AlreadyExists creates a 409 error for a uniqueness violation.
func AlreadyExists(resource, field, value string) *AppError {
	return app(ErrAlreadyExists, "ALREADY_EXISTS", fmt.Sprintf("%s with %s %q already exists", resource, field, value))
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return app(ErrInvalidInput, "INVALID_INPUT", message)
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return app(ErrUnauthorized, "UNAUTHORIZED", message)
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return app(ErrForbidden, "FORBIDDEN", message)
}

// Conflict creates a 409 error for state conflicts that are not duplicates.
func Conflict(message string) *AppError {
	return app(ErrConflict, "CONFLICT", message)
}

// Gone creates a 410 error for resources that existed but are no longer
// available.
func Gone(message string) *AppError {
	return app(ErrGone, "GONE", message)
}

// RateLimited creates a 429 error.
func RateLimited(message string) *AppError {
	return app(ErrRateLimited, "RATE_LIMITED", message)
}

// BadGateway creates a 502 error for upstream failures.
func BadGateway(message string) *AppError {
	return app(ErrBadGateway, "BAD_GATEWAY", message)
}

// ServiceUnavailable creates a 503 error.
func ServiceUnavailable(message string) *AppError {
	return app(ErrServiceUnavail, "SERVICE_UNAVAILABLE", message)
}

// Internal creates a 500 error. The underlying cause is wrapped but never
// exposed in the message.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Wrap adds context to an error while preserving the chain.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus resolves the HTTP status for an error: AppError carries its
// own, sentinels map through sentinelStatus and anything else is a 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	for sentinel, status := range sentinelStatus {
		if errors.Is(err, sentinel) {
			return status
		}
	}
	return http.StatusInternalServerError
}
