//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// socketCAN is a raw CAN_RAW socket wrapped in an *os.File so that the
// runtime poller provides read and write deadlines.
type socketCAN struct {
	file *os.File
}

// OpenSocketCAN binds a raw CAN socket to the named interface and installs
// the filters in the kernel. Frames sent by this socket are not looped back.
func OpenSocketCAN(iface string, filters []Filter) (Port, error) {
	if iface == "" {
		return nil, fmt.Errorf("socketcan: interface name required")
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan: interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket: %w", err)
	}

	if err := configureSocket(fd, filters); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind %s: %w", iface, err)
	}

	// Non-blocking mode lets os.File hand the descriptor to the poller.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: set nonblock: %w", err)
	}

	return &socketCAN{file: os.NewFile(uintptr(fd), "socketcan:"+iface)}, nil
}

func configureSocket(fd int, filters []Filter) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 0); err != nil {
		return fmt.Errorf("socketcan: disable own messages: %w", err)
	}

	if len(filters) == 0 {
		return nil
	}

	kf := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		kf = append(kf, kernelFilter(f))
	}
	if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf); err != nil {
		return fmt.Errorf("socketcan: set filter: %w", err)
	}
	return nil
}

// kernelFilter includes the EFF and RTR flags in the mask so that an
// extended filter never matches a standard or remote frame.
func kernelFilter(f Filter) unix.CanFilter {
	id := f.ID
	mask := f.Mask | canEFFFlag | canRTRFlag
	if f.Extended {
		id = (id & EFFMask) | canEFFFlag
	} else {
		id &= SFFMask
	}
	return unix.CanFilter{Id: id, Mask: mask}
}

func (s *socketCAN) ReadFrame() (Frame, error) {
	var buf [rawFrameSize]byte
	n, err := s.file.Read(buf[:])
	if err != nil {
		return Frame{}, closedErr(err)
	}
	return unmarshalRawFrame(buf[:n])
}

func (s *socketCAN) WriteFrame(f Frame) error {
	buf, err := marshalRawFrame(f)
	if err != nil {
		return err
	}
	_, err = s.file.Write(buf[:])
	return closedErr(err)
}

// closedErr maps the file's use-after-close error to ErrClosed.
func closedErr(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (s *socketCAN) SetReadDeadline(t time.Time) error {
	return s.file.SetReadDeadline(t)
}

func (s *socketCAN) SetWriteDeadline(t time.Time) error {
	return s.file.SetWriteDeadline(t)
}

func (s *socketCAN) Close() error {
	return s.file.Close()
}
