package dobiss

import (
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

// FrameReceiver consumes inbound frames. Implementations decide for
// themselves whether a frame is relevant.
type FrameReceiver interface {
	Deliver(f canbus.Frame)
}

// Dispatcher fans each inbound frame out to every registered receiver,
// in registration order. It is itself a FrameReceiver.
type Dispatcher struct {
	mu        sync.RWMutex
	receivers []FrameReceiver

	delivered atomic.Uint64
}

var _ FrameReceiver = (*Dispatcher)(nil)

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register adds a receiver. Receivers stay registered for the dispatcher's lifetime.
func (d *Dispatcher) Register(r FrameReceiver) {
	d.mu.Lock()
	d.receivers = append(d.receivers, r)
	d.mu.Unlock()
}

// Deliver hands the frame to every receiver before returning.
func (d *Dispatcher) Deliver(f canbus.Frame) {
	d.mu.RLock()
	receivers := d.receivers
	d.mu.RUnlock()

	d.delivered.Add(1)
	for _, r := range receivers {
		r.Deliver(f)
	}
}

// Len returns the number of registered receivers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.receivers)
}

// Delivered returns the number of frames dispatched.
func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}
