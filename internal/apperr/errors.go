// Package apperr defines the error taxonomy shared by the gateway, the
// presence engine and the message pipeline.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrUnauthorized is returned for a missing, invalid or non-guest credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when acting on another identity's message.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when a message or room does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for empty content or a malformed payload.
	ErrValidation = errors.New("validation failed")
	// ErrUnavailable is returned when the presence store or durable store failed or timed out.
	ErrUnavailable = errors.New("dependency unavailable")
)

// DependencyError records which store operation failed.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *DependencyError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Unavailable wraps a store failure so that errors.Is(err, ErrUnavailable) holds.
// A nil err yields nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Op: op, Err: err}
}

// Message is the text shown to the caller in an error reply. Dependency and
// unknown failures are reported generically.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "service temporarily unavailable"
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation):
		return err.Error()
	default:
		return "internal error"
	}
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
