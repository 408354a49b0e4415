package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
)

// Sync and session error taxonomy. These classify failures the sync layer
// absorbs into status transitions and failures the session service returns
// as typed results.
var (
	// ErrNetworkUnavailable marks transient transport failures. Callers retry
	// with backoff; it is never surfaced to a user until prolonged.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrAuthRejected marks an explicit authorization rejection (revoked or
	// invalid session). Callers must stop retrying and force a re-login.
	ErrAuthRejected = errors.New("authorization rejected")

	// ErrTokenExpired marks an expired access token. Callers attempt one
	// silent refresh before forcing a re-login.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenDeviceMismatch marks a refresh token presented from a device
	// other than the one it was issued to. Treated as a compromise signal.
	ErrTokenDeviceMismatch = errors.New("token device mismatch")

	// ErrStoreUnavailable marks an unreachable document store. Callers fall
	// back to read-only/offline operation instead of crashing.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// AppError represents a structured application error with HTTP status mapping.
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

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// AlreadyExists creates a 409 error.
func AlreadyExists(resource, field, value string) *AppError {
	return &AppError{
		Code:    "ALREADY_EXISTS",
		Message: fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Status:  http.StatusConflict,
		Err:     ErrAlreadyExists,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Conflict creates a 409 error for a revision conflict on a document write.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// TokenExpired creates a 401 error for an expired access or refresh token.
func TokenExpired(message string) *AppError {
	return &AppError{
		Code:    "TOKEN_EXPIRED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrTokenExpired,
	}
}

// AuthRejected creates a 403 error for a revoked or invalidated session.
func AuthRejected(message string) *AppError {
	return &AppError{
		Code:    "AUTH_REJECTED",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrAuthRejected,
	}
}

// TokenDeviceMismatch creates a 403 error for a refresh token presented by a
// device other than the one it was issued to.
func TokenDeviceMismatch(message string) *AppError {
	return &AppError{
		Code:    "TOKEN_DEVICE_MISMATCH",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrTokenDeviceMismatch,
	}
}

// StoreUnavailable creates a 503 error for an unreachable document store.
func StoreUnavailable(err error) *AppError {
	return &AppError{
		Code:    "STORE_UNAVAILABLE",
		Message: "document store unavailable",
		Status:  http.StatusServiceUnavailable,
		Err:     fmt.Errorf("%w: %w", ErrStoreUnavailable, err),
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrTokenDeviceMismatch):
		return http.StatusForbidden
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
