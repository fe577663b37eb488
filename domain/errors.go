package domain

import "errors"

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConcurrencyConflict is returned when an optimistic write lost the
	// race to a concurrent update of the same row.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrLastOwner is returned when removing a membership would leave a
	// group without an owner.
	ErrLastOwner = errors.New("cannot remove the last owner of a group")

	// ErrAccessDenied is returned when a user's effective board role is
	// insufficient for the attempted operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrPositionExhausted signals that the gap between two adjacent
	// positions is too small to subdivide. Resolved internally by a column
	// resequence, never surfaced to callers.
	ErrPositionExhausted = errors.New("position gap exhausted")
)
