package allocator

import "errors"

var (
	// ErrExhausted is returned when every identifier is in use.
	ErrExhausted = errors.New("identifier pool exhausted")

	// ErrNotAllocated is returned when releasing an identifier that is not held.
	ErrNotAllocated = errors.New("identifier not allocated")
)
