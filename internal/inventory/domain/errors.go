package domain

import "errors"

var (
	// ErrInsufficientStock rejects a reserve that exceeds the available
	// quantity. Never retried automatically; the caller decides.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvalidState rejects an operation on a record or reservation whose
	// current state disallows it (release below zero, extending a
	// terminal reservation, and so on).
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidTransition rejects a stock status change not present in the
	// transition table. Indicates a programming or data error.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrNotFound = errors.New("not found")
)
