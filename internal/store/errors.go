package store

import "errors"

var (
	// ErrNotFound is returned when a material or client does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when an optimistic-lock update loses the
	// race: the row's version no longer matches the caller's expected version.
	ErrVersionConflict = errors.New("version conflict")
)
