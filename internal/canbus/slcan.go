package canbus

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// slcanBitrates maps nominal bit-rates to Lawicel "Sn" setup commands.
var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

const (
	slcanTerminator = '\r'
	slcanBell       = '\a'

	// slcanPollInterval bounds each serial read so deadlines are honoured.
	slcanPollInterval = 100 * time.Millisecond

	slcanMaxLine = 64
)

// serialPort is the subset of serial.Port used by the SLCAN driver.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// slcan speaks the Lawicel ASCII protocol to a USB-serial CAN adapter.
type slcan struct {
	port   serialPort
	closed atomic.Bool

	mu           sync.Mutex
	readDeadline time.Time
	pending      []byte
	buf          [slcanMaxLine]byte
}

// OpenSLCAN opens a serial CAN adapter, sets the bit-rate and opens the
// CAN channel.
func OpenSLCAN(path string, baud, bitrate int) (Port, error) {
	if path == "" {
		return nil, fmt.Errorf("slcan: serial port required")
	}
	if baud <= 0 {
		baud = DefaultSerialBaud
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", path, err)
	}

	s := newSLCAN(p)
	if err := s.start(bitrate); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

func newSLCAN(p serialPort) *slcan {
	return &slcan{port: p}
}

// start closes any channel left open by a previous session, configures
// the bit-rate and opens the channel.
func (s *slcan) start(bitrate int) error {
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	setup, ok := slcanBitrates[bitrate]
	if !ok {
		return fmt.Errorf("slcan: unsupported bitrate %d", bitrate)
	}

	for _, cmd := range []string{"C", setup, "O"} {
		if _, err := s.port.Write([]byte(cmd + string(slcanTerminator))); err != nil {
			return fmt.Errorf("slcan: command %s: %w", cmd, err)
		}
	}
	return nil
}

func (s *slcan) ReadFrame() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if line, ok := s.nextLine(); ok {
			f, isFrame, err := parseSLCANLine(line)
			if err != nil {
				return Frame{}, err
			}
			if isFrame {
				return f, nil
			}
			continue
		}

		wait := slcanPollInterval
		if !s.readDeadline.IsZero() {
			remaining := time.Until(s.readDeadline)
			if remaining <= 0 {
				return Frame{}, os.ErrDeadlineExceeded
			}
			wait = min(wait, remaining)
		}
		if err := s.port.SetReadTimeout(wait); err != nil {
			return Frame{}, err
		}

		n, err := s.port.Read(s.buf[:])
		if err != nil {
			if s.closed.Load() {
				return Frame{}, ErrClosed
			}
			return Frame{}, err
		}
		s.pending = append(s.pending, s.buf[:n]...)
	}
}

// nextLine pops one terminated line off the pending buffer.
func (s *slcan) nextLine() ([]byte, bool) {
	for i, b := range s.pending {
		if b == slcanTerminator || b == slcanBell {
			line := append([]byte(nil), s.pending[:i]...)
			s.pending = s.pending[i+1:]
			return line, true
		}
	}
	if len(s.pending) > slcanMaxLine {
		// No terminator in sight; resynchronise on the next one.
		s.pending = s.pending[:0]
	}
	return nil, false
}

func (s *slcan) WriteFrame(f Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	line, err := formatSLCANFrame(f)
	if err != nil {
		return err
	}
	_, err = s.port.Write(line)
	return err
}

func (s *slcan) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op: serial writes of a single line complete
// within the driver's own buffer.
func (s *slcan) SetWriteDeadline(time.Time) error {
	return nil
}

func (s *slcan) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	// Best effort: leave the adapter in the closed state.
	_, _ = s.port.Write([]byte{'C', slcanTerminator})
	return s.port.Close()
}

// formatSLCANFrame encodes a data frame as "Tiiiiiiiildd..\r" or "tiiildd..\r".
func formatSLCANFrame(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if f.Extended {
		fmt.Fprintf(&b, "T%08X%d", f.ID, len(f.Data))
	} else {
		fmt.Fprintf(&b, "t%03X%d", f.ID, len(f.Data))
	}
	enc := make([]byte, hex.EncodedLen(len(f.Data)))
	hex.Encode(enc, f.Data)
	b.Write(bytes.ToUpper(enc))
	b.WriteByte(slcanTerminator)
	return b.Bytes(), nil
}

// parseSLCANLine decodes one received line. Command responses such as
// "z", "Z" or an empty OK line report isFrame=false.
func parseSLCANLine(line []byte) (f Frame, isFrame bool, err error) {
	if len(line) == 0 {
		return Frame{}, false, nil
	}

	var idLen int
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen = 8
		f.Extended = true
	default:
		return Frame{}, false, nil
	}

	if len(line) < 1+idLen+1 {
		return Frame{}, false, fmt.Errorf("%w: slcan line %q", ErrInvalidFrame, line)
	}

	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return Frame{}, false, fmt.Errorf("%w: slcan id %q", ErrInvalidFrame, line)
	}
	f.ID = uint32(id)

	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > MaxDataLen {
		return Frame{}, false, fmt.Errorf("%w: slcan dlc %q", ErrInvalidFrame, line)
	}

	// Some adapters append a timestamp after the data; ignore it.
	data := line[2+idLen:]
	if len(data) < dlc*2 {
		return Frame{}, false, fmt.Errorf("%w: slcan data %q", ErrInvalidFrame, line)
	}
	f.Data = make([]byte, dlc)
	if _, err := hex.Decode(f.Data, data[:dlc*2]); err != nil {
		return Frame{}, false, fmt.Errorf("%w: slcan data %q", ErrInvalidFrame, line)
	}

	if err := f.Validate(); err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}
