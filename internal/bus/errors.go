package bus

import "errors"

var (
	// ErrBusClosed is returned by Publish and Subscribe after Close.
	ErrBusClosed = errors.New("bus is closed")

	// ErrDrainTimeout is returned by Close when in-flight handlers did not
	// finish within the drain timeout.
	ErrDrainTimeout = errors.New("bus drain timeout")
)
