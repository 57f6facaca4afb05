package signalsock

import "errors"

var (
	// ErrInvalidState is returned by Send when the connection is not open.
	ErrInvalidState = errors.New("invalid state")

	// ErrMissingEvent is returned when decoding an envelope with no event name.
	ErrMissingEvent = errors.New("envelope has no event name")
)
