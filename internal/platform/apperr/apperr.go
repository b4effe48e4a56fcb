// Package apperr defines the error taxonomy shared by the access-control core
// and its mapping onto HTTP status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	// ErrValidation marks malformed, missing or too-short input.
	ErrValidation = errors.New("validation error")
	// ErrForbidden marks a well-formed request that policy explicitly rejects.
	ErrForbidden = errors.New("authorization denied")
	// ErrNotFound marks a reference to a nonexistent relationship, session or entry.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a dependency timeout or an unreachable dependency.
	ErrUnavailable = errors.New("service unavailable")
	// ErrInvalidAuditEntry marks a malformed audit write.
	ErrInvalidAuditEntry = errors.New("invalid audit entry")
	// ErrConflict marks a lost compare-and-set on a keyed resource.
	ErrConflict = errors.New("conflict")
)

func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Unavailable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

func InvalidAuditEntry(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidAuditEntry, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// FromContext converts a context deadline or cancellation into ErrUnavailable
// so that a timed-out dependency never reads as a business outcome. Other
// errors are returned unchanged.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// HTTPStatus maps an error onto the status code the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidAuditEntry):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError wraps err in an echo.HTTPError carrying the mapped status. Internal
// errors are reported with a generic message.
func HTTPError(err error) *echo.HTTPError {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error())
}
