package repository

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")

	// ErrConflict is returned when a conditional write loses to a concurrent
	// update or the record is no longer in the expected state.
	ErrConflict = errors.New("conditional update failed")
)
