package dobiss

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

// Default protocol timing.
const (
	// DefaultSettleDelay is the pause before and after a status query.
	// Relay modules drop queries that arrive back-to-back.
	DefaultSettleDelay = 10 * time.Millisecond

	// DefaultReplyTimeout bounds the wait for a status reply.
	DefaultReplyTimeout = 500 * time.Millisecond

	// DefaultSendTimeout bounds a single frame write.
	DefaultSendTimeout = 100 * time.Millisecond
)

// Timing holds the protocol delays and timeouts.
type Timing struct {
	SettleDelay  time.Duration
	ReplyTimeout time.Duration
	SendTimeout  time.Duration
}

// DefaultTiming returns the standard protocol timing.
func DefaultTiming() Timing {
	return Timing{
		SettleDelay:  DefaultSettleDelay,
		ReplyTimeout: DefaultReplyTimeout,
		SendTimeout:  DefaultSendTimeout,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.SettleDelay < 0 {
		t.SettleDelay = 0
	} else if t.SettleDelay == 0 {
		t.SettleDelay = d.SettleDelay
	}
	if t.ReplyTimeout <= 0 {
		t.ReplyTimeout = d.ReplyTimeout
	}
	if t.SendTimeout <= 0 {
		t.SendTimeout = d.SendTimeout
	}
	return t
}

// FrameSender writes frames to the bus. Satisfied by *canbus.Client.
type FrameSender interface {
	Send(ctx context.Context, f canbus.Frame) error
}

// StateSource records what caused a state change.
type StateSource string

// State sources.
const (
	SourceAck     StateSource = "ack"
	SourceQuery   StateSource = "query"
	SourceRestore StateSource = "restore"
)

// StateChange is emitted whenever a relay's cached state is written from
// a bus frame, whether or not the value differs from the previous one.
type StateChange struct {
	DeviceID  string
	Name      string
	Address   Address
	On        bool
	Previous  bool
	Source    StateSource
	Timestamp time.Time
}

// Changed reports whether the state value differs from the previous one.
func (c StateChange) Changed() bool {
	return c.On != c.Previous
}

// RelayOptions holds configuration for creating a relay.
type RelayOptions struct {
	// Name is the human-readable name, e.g. "Kitchen".
	Name string

	// DeviceID is the stable identifier. Defaults to "dobiss.<module>.<relay>".
	DeviceID string

	// Address is the relay's module and relay index.
	Address Address

	// Sender writes frames to the bus.
	Sender FrameSender

	// Lock is the bus-wide query serialiser shared by every relay on the bus.
	Lock *BusLock

	// Timing overrides the protocol timing. Zero fields use the defaults.
	Timing Timing

	// Logger is optional.
	Logger Logger
}

// Relay is one switched output on a Dobiss module.
//
// TurnOn and TurnOff send a set command and return without waiting for
// the acknowledgement; the cached state follows when the ack arrives.
// Refresh queries the module under the bus lock and waits for the reply.
type Relay struct {
	name     string
	deviceID string
	addr     Address
	sender   FrameSender
	lock     *BusLock
	timing   Timing

	// Prepared frames; never mutated after construction.
	onFrame    canbus.Frame
	offFrame   canbus.Frame
	queryFrame canbus.Frame

	mu       sync.Mutex
	isOn     bool
	awaiting bool

	// replied is signalled by Deliver when the awaited reply arrives.
	replied chan struct{}

	onChange   func(StateChange)
	callbackMu sync.RWMutex

	refreshes      atomic.Uint64
	refreshTimeout atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

var _ FrameReceiver = (*Relay)(nil)

// NewRelay creates a relay. Sender and Lock are required.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if opts.Lock == nil {
		return nil, fmt.Errorf("bus lock is required")
	}

	id := opts.DeviceID
	if id == "" {
		id = opts.Address.DefaultDeviceID()
	}
	name := opts.Name
	if name == "" {
		name = id
	}

	return &Relay{
		name:       name,
		deviceID:   id,
		addr:       opts.Address,
		sender:     opts.Sender,
		lock:       opts.Lock,
		timing:     opts.Timing.withDefaults(),
		onFrame:    EncodeSet(opts.Address, true),
		offFrame:   EncodeSet(opts.Address, false),
		queryFrame: EncodeQuery(opts.Address),
		replied:    make(chan struct{}, 1),
		logger:     opts.Logger,
	}, nil
}

// Name returns the human-readable name.
func (r *Relay) Name() string { return r.name }

// DeviceID returns the stable device identifier.
func (r *Relay) DeviceID() string { return r.deviceID }

// Address returns the relay's bus address.
func (r *Relay) Address() Address { return r.addr }

// IsOn returns the cached state.
func (r *Relay) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isOn
}

// Awaiting reports whether the relay is inside a Refresh waiting for a reply.
func (r *Relay) Awaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaiting
}

// RefreshTimeouts returns the number of refreshes that ended in ErrReplyTimeout.
func (r *Relay) RefreshTimeouts() uint64 {
	return r.refreshTimeout.Load()
}

// Refreshes returns the number of refresh cycles started.
func (r *Relay) Refreshes() uint64 {
	return r.refreshes.Load()
}

// SetOnStateChange registers the state change callback. The callback runs
// on the bus dispatch goroutine and must not block.
func (r *Relay) SetOnStateChange(fn func(StateChange)) {
	r.callbackMu.Lock()
	r.onChange = fn
	r.callbackMu.Unlock()
}

// Restore seeds the cached state without emitting a change. Used at
// startup with the last persisted state.
func (r *Relay) Restore(on bool) {
	r.mu.Lock()
	r.isOn = on
	r.mu.Unlock()
}

// TurnOn sends the set-on command.
func (r *Relay) TurnOn(ctx context.Context) error {
	return r.send(ctx, r.onFrame)
}

// TurnOff sends the set-off command.
func (r *Relay) TurnOff(ctx context.Context) error {
	return r.send(ctx, r.offFrame)
}

// Set sends the set command for the given state.
func (r *Relay) Set(ctx context.Context, on bool) error {
	if on {
		return r.TurnOn(ctx)
	}
	return r.TurnOff(ctx)
}

// Refresh queries the relay's state and waits for the reply.
//
// The bus lock is held for the whole cycle: settle, query, wait, settle.
// On return the relay is no longer awaiting and the lock is free,
// whatever the outcome.
func (r *Relay) Refresh(ctx context.Context) error {
	if err := r.lock.Acquire(ctx); err != nil {
		return err
	}
	defer r.lock.Release()

	r.refreshes.Add(1)
	r.beginAwait()
	// Runs before Release: the flag is clear by the time the next relay
	// can take the lock.
	defer r.endAwait()

	if err := sleepCtx(ctx, r.timing.SettleDelay); err != nil {
		return err
	}

	if err := r.send(ctx, r.queryFrame); err != nil {
		return err
	}

	err := r.waitReply(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}

	if serr := sleepCtx(ctx, r.timing.SettleDelay); serr != nil && err == nil {
		return serr
	}
	return err
}

func (r *Relay) waitReply(ctx context.Context) error {
	timer := time.NewTimer(r.timing.ReplyTimeout)
	defer timer.Stop()

	select {
	case <-r.replied:
		return nil
	case <-timer.C:
		r.refreshTimeout.Add(1)
		r.logDebug("no reply to status query", "device_id", r.deviceID, "address", r.addr.String())
		return fmt.Errorf("%w: %s after %s", ErrReplyTimeout, r.deviceID, r.timing.ReplyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) beginAwait() {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Discard a signal left over from a reply that arrived after the
	// previous cycle timed out.
	select {
	case <-r.replied:
	default:
	}
	r.awaiting = true
}

func (r *Relay) endAwait() {
	r.mu.Lock()
	r.awaiting = false
	r.mu.Unlock()
}

func (r *Relay) send(ctx context.Context, f canbus.Frame) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.timing.SendTimeout)
	defer cancel()

	if err := r.sender.Send(sendCtx, f); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, r.deviceID, err)
	}
	return nil
}

// Deliver inspects an inbound frame. A set-acknowledgement naming this
// relay updates the cached state. A status reply updates the cached state
// and wakes Refresh, but only while this relay is awaiting one.
func (r *Relay) Deliver(f canbus.Frame) {
	var changes [2]StateChange
	n := 0

	if addr, on, ok := DecodeAck(f); ok && addr == r.addr {
		r.mu.Lock()
		changes[n] = r.setStateLocked(on, SourceAck)
		r.mu.Unlock()
		n++
	}

	if on, ok := DecodeReply(f); ok {
		r.mu.Lock()
		if r.awaiting {
			changes[n] = r.setStateLocked(on, SourceQuery)
			n++
			select {
			case r.replied <- struct{}{}:
			default:
			}
		}
		r.mu.Unlock()
	}

	for _, c := range changes[:n] {
		r.emit(c)
	}
}

func (r *Relay) setStateLocked(on bool, source StateSource) StateChange {
	prev := r.isOn
	r.isOn = on
	return StateChange{
		DeviceID:  r.deviceID,
		Name:      r.name,
		Address:   r.addr,
		On:        on,
		Previous:  prev,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

func (r *Relay) emit(c StateChange) {
	r.callbackMu.RLock()
	fn := r.onChange
	r.callbackMu.RUnlock()

	if fn != nil {
		fn(c)
	}
}

// SetLogger sets the logger for this relay.
func (r *Relay) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Relay) logDebug(msg string, keysAndValues ...any) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// sleepCtx pauses for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
