// Package apperr defines the error kinds shared by the domain, service and
// storage layers. Concrete errors wrap one of these kinds so callers can
// classify failures with errors.Is.
package apperr

import "errors"

var (
	// ErrNotFound means a referenced entity does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed means a business rule blocked the operation.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInvalidArgument means the caller supplied a malformed value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized means the actor may not act on the entity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict means a conditional write lost a race with another writer.
	ErrConflict = errors.New("conflict")
)
