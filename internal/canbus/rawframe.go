package canbus

import (
	"encoding/binary"
	"fmt"
)

// Flag bits carried in the can_id word of a struct can_frame.
const (
	canEFFFlag uint32 = 0x80000000
	canRTRFlag uint32 = 0x40000000
	canERRFlag uint32 = 0x20000000
)

// rawFrameSize is sizeof(struct can_frame): id(4) len(1) pad(3) data(8).
const rawFrameSize = 16

// marshalRawFrame encodes f as a struct can_frame in host byte order.
func marshalRawFrame(f Frame) ([rawFrameSize]byte, error) {
	var buf [rawFrameSize]byte
	if err := f.Validate(); err != nil {
		return buf, err
	}

	id := f.ID
	if f.Extended {
		id |= canEFFFlag
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(f.Data))
	copy(buf[8:], f.Data)
	return buf, nil
}

// unmarshalRawFrame decodes a struct can_frame. Remote and error frames
// are rejected with ErrInvalidFrame.
func unmarshalRawFrame(buf []byte) (Frame, error) {
	if len(buf) != rawFrameSize {
		return Frame{}, fmt.Errorf("%w: short read of %d bytes", ErrInvalidFrame, len(buf))
	}

	id := binary.NativeEndian.Uint32(buf[0:4])
	if id&canERRFlag != 0 {
		return Frame{}, fmt.Errorf("%w: error frame 0x%08X", ErrInvalidFrame, id)
	}
	if id&canRTRFlag != 0 {
		return Frame{}, fmt.Errorf("%w: remote frame 0x%08X", ErrInvalidFrame, id)
	}

	dlc := int(buf[4])
	if dlc > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: dlc %d", ErrInvalidFrame, dlc)
	}

	f := Frame{Data: append([]byte(nil), buf[8:8+dlc]...)}
	if id&canEFFFlag != 0 {
		f.Extended = true
		f.ID = id & EFFMask
	} else {
		f.ID = id & SFFMask
	}
	return f, nil
}
