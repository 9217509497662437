package device

import "errors"

// ErrDeviceIDRequired is returned when a history operation is given an
// empty device ID.
var ErrDeviceIDRequired = errors.New("device: id is required")
