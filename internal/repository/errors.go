package repository

import "errors"

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStale is returned when a conditional update finds the row no longer in
	// the state the caller read.
	ErrStale = errors.New("row changed concurrently")
	// ErrDuplicate is returned on a unique constraint violation.
	ErrDuplicate = errors.New("duplicate")
)
