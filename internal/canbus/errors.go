package canbus

import "errors"

// Domain errors for the CAN transport.
var (
	// ErrNotConnected is returned when sending on a client that has been
	// closed or whose receive loop has failed.
	ErrNotConnected = errors.New("canbus: not connected")

	// ErrOpenFailed is returned when the underlying port cannot be opened.
	ErrOpenFailed = errors.New("canbus: open failed")

	// ErrSendFailed is returned when a frame could not be written.
	ErrSendFailed = errors.New("canbus: send failed")

	// ErrInvalidFrame is returned for frames that cannot be encoded or
	// were received malformed.
	ErrInvalidFrame = errors.New("canbus: invalid frame")

	// ErrClosed is returned by ports after Close.
	ErrClosed = errors.New("canbus: closed")

	// ErrUnsupportedTransport is returned for unknown transport names or
	// transports not available on this platform.
	ErrUnsupportedTransport = errors.New("canbus: unsupported transport")
)
