// Package errs declares the error kinds shared by the workflow and rbac
// packages. Specific errors wrap one of these kinds so callers can branch
// with errors.Is regardless of which package produced them.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrStaleStage   = errors.New("stale stage")
	ErrValidation   = errors.New("validation failed")
)

// Kind returns the short name of the kind err wraps, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStaleStage):
		return "stale_stage"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind err wraps to a response status.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "conflict", "stale_stage", "invalid_state":
		return http.StatusConflict
	case "validation":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
