package canbus

import (
	"os"
	"sync"
	"time"
)

// virtualQueueSize is the per-endpoint receive buffer. A full buffer drops
// the frame, as a real controller would on overrun.
const virtualQueueSize = 256

// VirtualBus is an in-process broadcast medium. Every frame written by one
// endpoint is delivered to all other endpoints, never back to the sender.
type VirtualBus struct {
	mu        sync.RWMutex
	endpoints map[*VirtualPort]struct{}
}

// NewVirtualBus creates an empty virtual bus.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{endpoints: make(map[*VirtualPort]struct{})}
}

// Endpoint attaches a new port to the bus.
func (b *VirtualBus) Endpoint() *VirtualPort {
	p := &VirtualPort{
		bus:  b,
		rx:   make(chan Frame, virtualQueueSize),
		done: newCloseOnce(),
	}
	b.mu.Lock()
	b.endpoints[p] = struct{}{}
	b.mu.Unlock()
	return p
}

func (b *VirtualBus) broadcast(from *VirtualPort, f Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for p := range b.endpoints {
		if p == from {
			continue
		}
		select {
		case p.rx <- f.Clone():
		default:
			p.mu.Lock()
			p.overruns++
			p.mu.Unlock()
		}
	}
}

func (b *VirtualBus) detach(p *VirtualPort) {
	b.mu.Lock()
	delete(b.endpoints, p)
	b.mu.Unlock()
}

// VirtualPort is one node on a VirtualBus. It implements Port.
type VirtualPort struct {
	bus  *VirtualBus
	rx   chan Frame
	done *closeOnce

	mu           sync.Mutex
	readDeadline time.Time
	overruns     uint64
	failWrites   error
}

var _ Port = (*VirtualPort)(nil)

// ReadFrame blocks until a frame arrives, the deadline passes or the port closes.
func (p *VirtualPort) ReadFrame() (Frame, error) {
	p.mu.Lock()
	deadline := p.readDeadline
	p.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return Frame{}, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case f := <-p.rx:
		return f, nil
	case <-timeout:
		return Frame{}, os.ErrDeadlineExceeded
	case <-p.done.Done():
		return Frame{}, ErrClosed
	}
}

// WriteFrame broadcasts the frame to every other endpoint.
func (p *VirtualPort) WriteFrame(f Frame) error {
	select {
	case <-p.done.Done():
		return ErrClosed
	default:
	}
	if err := f.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	failErr := p.failWrites
	p.mu.Unlock()
	if failErr != nil {
		return failErr
	}

	p.bus.broadcast(p, f)
	return nil
}

// SetReadDeadline sets the deadline for ReadFrame. The zero value blocks forever.
func (p *VirtualPort) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.readDeadline = t
	p.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op; virtual writes never block.
func (p *VirtualPort) SetWriteDeadline(time.Time) error {
	return nil
}

// Close detaches the port from the bus.
func (p *VirtualPort) Close() error {
	p.done.Close()
	p.bus.detach(p)
	return nil
}

// FailWrites makes every subsequent WriteFrame return err. Pass nil to
// restore normal operation.
func (p *VirtualPort) FailWrites(err error) {
	p.mu.Lock()
	p.failWrites = err
	p.mu.Unlock()
}

// Overruns returns the number of frames dropped because the receive buffer was full.
func (p *VirtualPort) Overruns() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overruns
}
