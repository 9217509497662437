package canbus

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeSerial is an in-memory serialPort. Reads return queued chunks, or
// (0, nil) after the configured timeout like go.bug.st/serial does.
type fakeSerial struct {
	mu      sync.Mutex
	chunks  [][]byte
	written bytes.Buffer
	timeout time.Duration
	closed  bool
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(f.chunks) > 0 {
		n := copy(p, f.chunks[0])
		f.chunks[0] = f.chunks[0][n:]
		if len(f.chunks[0]) == 0 {
			f.chunks = f.chunks[1:]
		}
		f.mu.Unlock()
		return n, nil
	}
	timeout := f.timeout
	f.mu.Unlock()

	time.Sleep(timeout)
	return 0, nil
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeSerial) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSerial) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	f.timeout = t
	f.mu.Unlock()
	return nil
}

func (f *fakeSerial) feed(s string) {
	f.mu.Lock()
	f.chunks = append(f.chunks, []byte(s))
	f.mu.Unlock()
}

func (f *fakeSerial) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func TestSLCANStart(t *testing.T) {
	tests := []struct {
		name    string
		bitrate int
		want    string
		wantErr bool
	}{
		{name: "default", bitrate: 0, want: "C\rS4\rO\r"},
		{name: "125k", bitrate: 125000, want: "C\rS4\rO\r"},
		{name: "500k", bitrate: 500000, want: "C\rS6\rO\r"},
		{name: "unsupported", bitrate: 33333, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSerial{}
			err := newSLCAN(fs).start(tt.bitrate)
			if tt.wantErr {
				if err == nil {
					t.Error("start() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("start() unexpected error: %v", err)
			}
			if got := fs.output(); got != tt.want {
				t.Errorf("written = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatSLCANFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{
			name:  "extended set command",
			frame: Frame{ID: 0x01FC0102, Extended: true, Data: []byte{0x01, 0x02, 0x01, 0xFF, 0xFF}},
			want:  "T01FC01025010201FFFF\r",
		},
		{
			name:  "standard empty",
			frame: Frame{ID: 0x7FF},
			want:  "t7FF0\r",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatSLCANFrame(tt.frame)
			if err != nil {
				t.Fatalf("formatSLCANFrame() error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("formatSLCANFrame() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSLCANLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		want      Frame
		wantFrame bool
		wantErr   bool
	}{
		{name: "empty ok", line: ""},
		{name: "tx ack", line: "Z"},
		{name: "extended reply", line: "T01FDFF01101", want: Frame{ID: 0x01FDFF01, Extended: true, Data: []byte{0x01}}, wantFrame: true},
		{name: "standard frame", line: "t1232ABCD", want: Frame{ID: 0x123, Data: []byte{0xAB, 0xCD}}, wantFrame: true},
		{name: "trailing timestamp", line: "T0002FF01301020112AB", want: Frame{ID: 0x0002FF01, Extended: true, Data: []byte{0x01, 0x02, 0x01}}, wantFrame: true},
		{name: "bad hex id", line: "T0002FG01100", wantErr: true},
		{name: "truncated data", line: "T0002FF01401", wantErr: true},
		{name: "bad dlc", line: "T0002FF01901", wantErr: true},
		{name: "truncated id", line: "T0002", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, isFrame, err := parseSLCANLine([]byte(tt.line))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFrame) {
					t.Errorf("parseSLCANLine() error = %v, want ErrInvalidFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSLCANLine() unexpected error: %v", err)
			}
			if isFrame != tt.wantFrame {
				t.Fatalf("isFrame = %v, want %v", isFrame, tt.wantFrame)
			}
			if !isFrame {
				return
			}
			if got.ID != tt.want.ID || got.Extended != tt.want.Extended || !bytes.Equal(got.Data, tt.want.Data) {
				t.Errorf("parseSLCANLine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSLCANReadFrameSkipsResponses(t *testing.T) {
	fs := &fakeSerial{}
	s := newSLCAN(fs)

	// Responses to C/S4/O, a tx ack and a bell, then a frame split across reads.
	fs.feed("\r\r\rz\r\a")
	fs.feed("T01FDFF01")
	fs.feed("101\r")

	if err := s.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error: %v", err)
	}
	got, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if got.ID != 0x01FDFF01 || !got.Extended || !bytes.Equal(got.Data, []byte{0x01}) {
		t.Errorf("ReadFrame() = %v", got)
	}
}

func TestSLCANReadFrameDeadline(t *testing.T) {
	s := newSLCAN(&fakeSerial{})

	if err := s.SetReadDeadline(time.Now().Add(30 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline() error: %v", err)
	}
	start := time.Now()
	_, err := s.ReadFrame()
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("ReadFrame() error = %v, want os.ErrDeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ReadFrame() took %v, deadline not honoured", elapsed)
	}
}

func TestSLCANWriteAndClose(t *testing.T) {
	fs := &fakeSerial{}
	s := newSLCAN(fs)

	if err := s.WriteFrame(Frame{ID: 0x01FCFF01, Extended: true, Data: []byte{0x01, 0x02}}); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if got, want := fs.output(), "T01FCFF0120102\rC\r"; got != want {
		t.Errorf("written = %q, want %q", got, want)
	}
}

func TestSLCANClosedPort(t *testing.T) {
	s := newSLCAN(&fakeSerial{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if _, err := s.ReadFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadFrame() error = %v, want ErrClosed", err)
	}
	if err := s.WriteFrame(Frame{ID: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame() error = %v, want ErrClosed", err)
	}
}
