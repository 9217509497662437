package dobiss

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Transport is the frame transport a Bus runs on.
// Satisfied by *canbus.Client.
type Transport interface {
	FrameSender
	SetOnFrame(callback func(canbus.Frame))
	IsConnected() bool
	Stats() canbus.Stats
	Failed() <-chan struct{}
	Err() error
	Close() error
}

var _ Transport = (*canbus.Client)(nil)

// BusOptions holds configuration for opening a bus.
type BusOptions struct {
	// CAN selects and configures the transport. Filters are set by Open.
	CAN canbus.Config

	// Port, when set, is used instead of opening CAN.Transport.
	// The virtual transport requires it.
	Port canbus.Port

	// Timing is applied to every relay created on the bus.
	Timing Timing

	// Logger is optional.
	Logger Logger
}

// Bus owns one CAN transport together with its query lock, dispatcher
// and relays.
type Bus struct {
	transport  Transport
	lock       *BusLock
	dispatcher *Dispatcher
	timing     Timing

	mu        sync.RWMutex
	relays    []*Relay
	byID      map[string]*Relay
	byAddress map[Address]*Relay

	closeOnce sync.Once
	closeErr  error

	logger Logger
}

// Open opens the transport at the configured bit-rate with the Dobiss
// receive filters and returns a bus ready for AddRelay.
func Open(ctx context.Context, opts BusOptions) (*Bus, error) {
	cfg := opts.CAN
	cfg.Filters = ReceiveFilters()
	if cfg.Bitrate == 0 {
		cfg.Bitrate = canbus.DefaultBitrate
	}

	var client *canbus.Client
	if opts.Port != nil {
		client = canbus.NewClient(opts.Port, cfg)
	} else {
		if cfg.Transport == canbus.TransportVirtual {
			return nil, fmt.Errorf("%w: virtual transport needs a port", canbus.ErrOpenFailed)
		}
		var err error
		client, err = canbus.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	if opts.Logger != nil {
		client.SetLogger(opts.Logger)
	}

	b := NewBus(client, opts.Timing, opts.Logger)
	b.logInfo("bus opened",
		"transport", cfg.Transport,
		"channel", cfg.Channel,
		"bitrate", cfg.Bitrate)
	return b, nil
}

// NewBus wires a dispatcher to an already open transport.
func NewBus(t Transport, timing Timing, logger Logger) *Bus {
	b := &Bus{
		transport:  t,
		lock:       NewBusLock(),
		dispatcher: NewDispatcher(),
		timing:     timing.withDefaults(),
		byID:       make(map[string]*Relay),
		byAddress:  make(map[Address]*Relay),
		logger:     logger,
	}
	t.SetOnFrame(b.dispatcher.Deliver)
	return b
}

// AddRelay creates a relay on this bus and registers it with the
// dispatcher. Device IDs and addresses must be unique.
func (b *Bus) AddRelay(name, deviceID string, addr Address) (*Relay, error) {
	r, err := NewRelay(RelayOptions{
		Name:     name,
		DeviceID: deviceID,
		Address:  addr,
		Sender:   b.transport,
		Lock:     b.lock,
		Timing:   b.timing,
		Logger:   b.logger,
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byID[r.DeviceID()]; ok {
		return nil, fmt.Errorf("%w: device id %s", ErrDuplicateRelay, r.DeviceID())
	}
	if other, ok := b.byAddress[addr]; ok {
		return nil, fmt.Errorf("%w: address %s already used by %s", ErrDuplicateRelay, addr, other.DeviceID())
	}

	b.relays = append(b.relays, r)
	b.byID[r.DeviceID()] = r
	b.byAddress[addr] = r
	b.dispatcher.Register(r)

	return r, nil
}

// Relay returns the relay with the given device ID.
func (b *Bus) Relay(deviceID string) (*Relay, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.byID[deviceID]
	return r, ok
}

// Relays returns all relays in creation order.
func (b *Bus) Relays() []*Relay {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Relay(nil), b.relays...)
}

// IsConnected reports whether the transport is up.
func (b *Bus) IsConnected() bool { return b.transport.IsConnected() }

// Stats returns transport statistics.
func (b *Bus) Stats() canbus.Stats { return b.transport.Stats() }

// Done is closed when the transport fails. The bus does not reconnect.
func (b *Bus) Done() <-chan struct{} { return b.transport.Failed() }

// Err returns the fatal transport error, if any.
func (b *Bus) Err() error { return b.transport.Err() }

// FramesDispatched returns the number of frames fanned out to the relays.
func (b *Bus) FramesDispatched() uint64 { return b.dispatcher.Delivered() }

// RefreshTimeouts sums reply timeouts across all relays.
func (b *Bus) RefreshTimeouts() uint64 {
	var n uint64
	for _, r := range b.Relays() {
		n += r.RefreshTimeouts()
	}
	return n
}

// CloseOnDone closes the bus when ctx is cancelled.
func (b *Bus) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		if err := b.Close(); err != nil {
			b.logError("bus close failed", err)
		}
	}()
}

// Close stops frame dispatch, then closes the transport. Safe to call
// multiple times.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.transport.SetOnFrame(nil)
		b.closeErr = b.transport.Close()
		b.logInfo("bus closed")
	})
	return b.closeErr
}

func (b *Bus) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bus) logError(msg string, err error) {
	if b.logger != nil {
		b.logger.Error(msg, "error", err)
	}
}
