package queue

import "errors"

// Sentinel errors for Queue operations (spec.md §4.C, §7).
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("command not found")
)
