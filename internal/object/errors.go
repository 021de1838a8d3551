package object

import "errors"

// Terminal error outcomes of the object operations. Storage I/O failures are
// wrapped OS errors and carry no sentinel.
var (
	ErrNotFound = errors.New("object not found")
	ErrExpired  = errors.New("object expired")
	ErrTooLarge = errors.New("object too large")

	// ErrMissingData means a live record exists but its backing bytes are
	// gone from the volume. This is a consistency failure and is surfaced,
	// never treated as success.
	ErrMissingData = errors.New("object bytes missing from volume")
)
