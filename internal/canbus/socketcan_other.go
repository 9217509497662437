//go:build !linux

package canbus

import "fmt"

// OpenSocketCAN is only available on Linux.
func OpenSocketCAN(iface string, _ []Filter) (Port, error) {
	return nil, fmt.Errorf("%w: socketcan %s", ErrUnsupportedTransport, iface)
}
