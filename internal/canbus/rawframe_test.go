package canbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestRawFrameRoundTrip(t *testing.T) {
	tests := []Frame{
		{ID: 0x01FC0102, Extended: true, Data: []byte{0x01, 0x02, 0x01, 0xFF, 0xFF}},
		{ID: 0x123, Data: []byte{}},
		{ID: 0x0002FF01, Extended: true, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}

	for _, want := range tests {
		t.Run(want.String(), func(t *testing.T) {
			buf, err := marshalRawFrame(want)
			if err != nil {
				t.Fatalf("marshalRawFrame() error: %v", err)
			}
			got, err := unmarshalRawFrame(buf[:])
			if err != nil {
				t.Fatalf("unmarshalRawFrame() error: %v", err)
			}
			if got.ID != want.ID || got.Extended != want.Extended || !bytes.Equal(got.Data, want.Data) {
				t.Errorf("round trip = %v, want %v", got, want)
			}
		})
	}
}

func TestMarshalRawFrameSetsEFFFlag(t *testing.T) {
	buf, err := marshalRawFrame(Frame{ID: 0x01FCFF01, Extended: true, Data: []byte{1, 0}})
	if err != nil {
		t.Fatalf("marshalRawFrame() error: %v", err)
	}
	id := binary.NativeEndian.Uint32(buf[0:4])
	if id != 0x01FCFF01|canEFFFlag {
		t.Errorf("can_id = 0x%08X, want EFF flag set", id)
	}
	if buf[4] != 2 {
		t.Errorf("len = %d, want 2", buf[4])
	}
}

func TestUnmarshalRawFrameRejects(t *testing.T) {
	errFrame := make([]byte, rawFrameSize)
	binary.NativeEndian.PutUint32(errFrame[0:4], canERRFlag|0x04)

	rtrFrame := make([]byte, rawFrameSize)
	binary.NativeEndian.PutUint32(rtrFrame[0:4], canRTRFlag|0x123)

	badDLC := make([]byte, rawFrameSize)
	badDLC[4] = 9

	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "short read", buf: make([]byte, 8)},
		{name: "error frame", buf: errFrame},
		{name: "remote frame", buf: rtrFrame},
		{name: "dlc too large", buf: badDLC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := unmarshalRawFrame(tt.buf); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("unmarshalRawFrame() error = %v, want ErrInvalidFrame", err)
			}
		})
	}
}
