package domain

import "errors"

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrTransient       = errors.New("transient failure")
)

// ErrConflict marks a duplicate request, such as a replayed client message id.
var ErrConflict = errors.New("conflict")
