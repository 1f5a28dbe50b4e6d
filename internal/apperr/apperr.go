// Package apperr holds the error taxonomy shared by every layer. Concrete
// sentinels are marked with one of the kinds below so transports can map
// them to a response without knowing each individual error.
package apperr

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("temporarily unavailable")
)

var kinds = []error{ErrValidation, ErrConflict, ErrNotAuthorized, ErrNotFound, ErrTransient}

func Validation(err error) error    { return errors.Mark(err, ErrValidation) }
func Conflict(err error) error      { return errors.Mark(err, ErrConflict) }
func NotAuthorized(err error) error { return errors.Mark(err, ErrNotAuthorized) }
func NotFound(err error) error      { return errors.Mark(err, ErrNotFound) }
func Transient(err error) error     { return errors.Mark(err, ErrTransient) }

// Kind returns the kind err was marked with, or nil for unclassified errors.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Code is the short machine-readable name of err's kind.
func Code(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "validation"
	case ErrConflict:
		return "conflict"
	case ErrNotAuthorized:
		return "not_authorized"
	case ErrNotFound:
		return "not_found"
	case ErrTransient:
		return "transient"
	default:
		return "internal"
	}
}

// HTTPStatus maps err's kind to a response status.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrNotAuthorized:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
