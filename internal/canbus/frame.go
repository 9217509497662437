package canbus

import (
	"encoding/hex"
	"fmt"
)

// Identifier limits for CAN 2.0A (standard) and 2.0B (extended) frames.
const (
	// SFFMask covers the 11 identifier bits of a standard frame.
	SFFMask uint32 = 0x000007FF

	// EFFMask covers the 29 identifier bits of an extended frame.
	EFFMask uint32 = 0x1FFFFFFF

	// MaxDataLen is the classic CAN payload limit.
	MaxDataLen = 8
)

// Frame is a single classic CAN data frame.
type Frame struct {
	// ID is the arbitration identifier without any flag bits.
	ID uint32

	// Extended is true for 29-bit identifiers.
	Extended bool

	// Data is the payload, at most MaxDataLen bytes.
	Data []byte
}

// Validate checks the identifier range and payload length.
func (f Frame) Validate() error {
	mask := SFFMask
	if f.Extended {
		mask = EFFMask
	}
	if f.ID&^mask != 0 {
		return fmt.Errorf("%w: id 0x%X out of range", ErrInvalidFrame, f.ID)
	}
	if len(f.Data) > MaxDataLen {
		return fmt.Errorf("%w: %d data bytes", ErrInvalidFrame, len(f.Data))
	}
	return nil
}

// String formats the frame in candump compact notation, e.g. "01FCFF01#0100".
func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%08X#%s", f.ID, hex.EncodeToString(f.Data))
	}
	return fmt.Sprintf("%03X#%s", f.ID, hex.EncodeToString(f.Data))
}

// Clone returns a copy that does not share the payload slice.
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = append([]byte(nil), f.Data...)
	}
	return c
}

// Filter accepts frames whose identifier matches ID under Mask.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

// Match reports whether the frame passes the filter.
func (f Filter) Match(frame Frame) bool {
	if frame.Extended != f.Extended {
		return false
	}
	return frame.ID&f.Mask == f.ID&f.Mask
}

// MatchAny reports whether any filter accepts the frame.
// An empty filter list accepts everything.
func MatchAny(filters []Filter, frame Frame) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Match(frame) {
			return true
		}
	}
	return false
}
