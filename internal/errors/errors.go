// Package errors provides error codes shared by the offline core, the HTTP API and the CLI.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code surfaced to API clients.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueFull ErrorCode = "QUEUE_FULL"

	// Sync errors
	ErrOffline           ErrorCode = "OFFLINE"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"

	// Remote service errors
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrRemoteRejected    ErrorCode = "REMOTE_REJECTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if err, or any error it wraps, is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// statusCoder is implemented by errors that carry an HTTP-equivalent status.
type statusCoder interface {
	StatusCode() int
}

// StatusOf returns the HTTP-equivalent status carried by err, or 0.
func StatusOf(err error) int {
	var sc statusCoder
	if stderrors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// RetryableStatus reports whether a remote HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// IsRetryable classifies a failure of a remote call.
// Unclassified errors are treated as retryable so that queued operations keep their order.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrRemoteRejected) || Is(err, ErrValidation) || Is(err, ErrPermission) || Is(err, ErrInvalid) {
		return false
	}
	if status := StatusOf(err); status != 0 {
		return RetryableStatus(status)
	}
	return true
}

// HTTPStatus maps an error code to the status the local API answers with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrInvalid, ErrValidation:
		return http.StatusBadRequest
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrOffline, ErrSyncInProgress:
		return http.StatusConflict
	case ErrQueueFull:
		return http.StatusInsufficientStorage
	case ErrRemoteUnavailable, ErrSyncTimeout:
		return http.StatusServiceUnavailable
	case ErrRemoteRejected, ErrSyncFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
