package repositories

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates the write collided with an existing record.
	ErrConflict = errors.New("repository: conflict")
	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("repository: unavailable")
)
