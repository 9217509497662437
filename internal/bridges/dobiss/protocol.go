package dobiss

import (
	"fmt"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

// Frame identifiers. All are 29-bit extended identifiers.
const (
	// setBaseID is OR-ed with module<<8 to address a module's set command.
	setBaseID uint32 = 0x01FC0002

	// AckID carries set-acknowledgements: [module, relay, state, ...].
	AckID uint32 = 0x0002FF01

	// QueryID carries status queries: [module, relay].
	QueryID uint32 = 0x01FCFF01

	// ReplyID carries status replies: [state, ...].
	ReplyID uint32 = 0x01FDFF01

	// setIDMask isolates the constant part of a set command identifier.
	setIDMask uint32 = 0xFFFF00FF
)

const (
	stateOff byte = 0x00
	stateOn  byte = 0x01

	// reserved pads the set command payload.
	reserved byte = 0xFF
)

// Address identifies a relay on the bus.
type Address struct {
	Module uint8
	Relay  uint8
}

// String formats the address as "module.relay".
func (a Address) String() string {
	return fmt.Sprintf("%d.%d", a.Module, a.Relay)
}

// DefaultDeviceID returns the stable device ID used when none is configured.
func (a Address) DefaultDeviceID() string {
	return "dobiss." + a.String()
}

// SetID returns the set command identifier for a module.
func SetID(module uint8) uint32 {
	return setBaseID | uint32(module)<<8
}

// EncodeSet builds the set command frame for a relay.
func EncodeSet(a Address, on bool) canbus.Frame {
	return canbus.Frame{
		ID:       SetID(a.Module),
		Extended: true,
		Data:     []byte{a.Module, a.Relay, stateByte(on), reserved, reserved},
	}
}

// EncodeQuery builds the status query frame for a relay.
func EncodeQuery(a Address) canbus.Frame {
	return canbus.Frame{
		ID:       QueryID,
		Extended: true,
		Data:     []byte{a.Module, a.Relay},
	}
}

// EncodeAck builds a set-acknowledgement frame as sent by a module.
func EncodeAck(a Address, on bool) canbus.Frame {
	return canbus.Frame{
		ID:       AckID,
		Extended: true,
		Data:     []byte{a.Module, a.Relay, stateByte(on), reserved, reserved},
	}
}

// EncodeReply builds a status reply frame as sent by a module.
func EncodeReply(on bool) canbus.Frame {
	return canbus.Frame{
		ID:       ReplyID,
		Extended: true,
		Data:     []byte{stateByte(on)},
	}
}

// DecodeAck parses a set-acknowledgement. ok is false for other frames
// and for payloads shorter than three bytes.
func DecodeAck(f canbus.Frame) (a Address, on bool, ok bool) {
	if !f.Extended || f.ID != AckID || len(f.Data) < 3 {
		return Address{}, false, false
	}
	return Address{Module: f.Data[0], Relay: f.Data[1]}, f.Data[2] == stateOn, true
}

// DecodeReply parses a status reply. ok is false for other frames and
// empty payloads.
func DecodeReply(f canbus.Frame) (on bool, ok bool) {
	if !f.Extended || f.ID != ReplyID || len(f.Data) < 1 {
		return false, false
	}
	return f.Data[0] == stateOn, true
}

// DecodeSet parses a set command. Used by the simulator.
func DecodeSet(f canbus.Frame) (a Address, on bool, ok bool) {
	if !f.Extended || f.ID&setIDMask != setBaseID || len(f.Data) < 3 {
		return Address{}, false, false
	}
	module := uint8(f.ID >> 8)
	if f.Data[0] != module {
		return Address{}, false, false
	}
	return Address{Module: module, Relay: f.Data[1]}, f.Data[2] == stateOn, true
}

// DecodeQuery parses a status query. Used by the simulator.
func DecodeQuery(f canbus.Frame) (a Address, ok bool) {
	if !f.Extended || f.ID != QueryID || len(f.Data) < 2 {
		return Address{}, false
	}
	return Address{Module: f.Data[0], Relay: f.Data[1]}, true
}

// ReceiveFilters returns the exact-match filters for the two inbound
// frame identifiers.
func ReceiveFilters() []canbus.Filter {
	return []canbus.Filter{
		{ID: AckID, Mask: canbus.EFFMask, Extended: true},
		{ID: ReplyID, Mask: canbus.EFFMask, Extended: true},
	}
}

func stateByte(on bool) byte {
	if on {
		return stateOn
	}
	return stateOff
}
