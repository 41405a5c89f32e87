package store

import "errors"

var (
	// ErrNotFound is returned by lookups for rows that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned when a compare-and-set transition finds the
	// row in a different state than expected.
	ErrStaleState = errors.New("stale state")
)
