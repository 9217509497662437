package dobiss

import "errors"

// Domain errors for the Dobiss bridge package.
var (
	// ErrSendFailed is returned when a set or query frame could not be
	// written to the bus. Cached state is left untouched.
	ErrSendFailed = errors.New("dobiss: send failed")

	// ErrReplyTimeout is returned when a status query receives no reply
	// within the reply timeout.
	ErrReplyTimeout = errors.New("dobiss: reply timeout")

	// ErrBusBusy is returned when the caller's context expires while
	// waiting for another relay's query to finish.
	ErrBusBusy = errors.New("dobiss: bus busy")

	// ErrBusClosed is returned for operations on a closed bus.
	ErrBusClosed = errors.New("dobiss: bus closed")

	// ErrDuplicateRelay is returned when two relays share a device ID or
	// a (module, relay) address.
	ErrDuplicateRelay = errors.New("dobiss: duplicate relay")

	// ErrUnknownDevice is returned when a device ID is not configured.
	ErrUnknownDevice = errors.New("dobiss: unknown device")
)
