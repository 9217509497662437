package canbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Transport names accepted by Open.
const (
	TransportSocketCAN = "socketcan"
	TransportSLCAN     = "slcan"
	TransportVirtual   = "virtual"
)

// Default timeouts and sizes for the CAN client.
const (
	// DefaultBitrate is the nominal bit-rate used when none is configured.
	DefaultBitrate = 125000

	// DefaultSerialBaud is the serial line speed for SLCAN adapters.
	DefaultSerialBaud = 115200

	// defaultReadTimeout bounds each port read so the loop can observe Close.
	defaultReadTimeout = time.Second

	// defaultWriteTimeout is used when the caller's context has no deadline.
	defaultWriteTimeout = time.Second

	// callbackQueueSize is the buffer size for the frame callback queue.
	callbackQueueSize = 256
)

// Port is a bidirectional frame stream. Implementations need not be safe
// for concurrent writes; Client serialises them. After Close, ReadFrame and
// WriteFrame return ErrClosed.
type Port interface {
	// ReadFrame blocks until a frame arrives, the read deadline passes
	// (os.ErrDeadlineExceeded) or the port is closed.
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config holds CAN transport configuration.
type Config struct {
	// Transport selects the port implementation: "socketcan", "slcan" or "virtual".
	Transport string

	// Channel is the SocketCAN interface name, e.g. "can0".
	Channel string

	// SerialPort is the SLCAN device path, e.g. "/dev/ttyACM0".
	SerialPort string

	// SerialBaud is the SLCAN serial line speed.
	SerialBaud int

	// Bitrate is the CAN bit-rate. Applied by SLCAN; SocketCAN expects the
	// interface to be configured already.
	Bitrate int

	// Filters restricts which inbound frames reach the callback.
	Filters []Filter

	// ReadTimeout bounds each blocking read.
	ReadTimeout time.Duration
}

// Stats holds operational statistics.
type Stats struct {
	FramesTx       uint64
	FramesRx       uint64
	FramesFiltered uint64 // Frames rejected by the software filter
	FramesDropped  uint64 // Frames dropped due to a full callback queue
	ErrorsTotal    uint64
	LastActivity   time.Time
	Connected      bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Client owns a Port: it runs the receive loop, filters and dispatches
// inbound frames, and sends outbound frames with a deadline.
//
// The client never reconnects. A fatal read error marks it failed,
// closes Failed() and records the cause in Err().
type Client struct {
	cfg  Config
	port Port

	connMu    sync.RWMutex
	connected bool

	// Frame handler callback
	onFrame    func(Frame)
	callbackMu sync.RWMutex

	callbackQueue chan Frame

	sendMu sync.Mutex

	// Shutdown coordination
	done   *closeOnce
	failed *closeOnce
	errMu  sync.Mutex
	err    error
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesTx       atomic.Uint64
	framesRx       atomic.Uint64
	framesFiltered atomic.Uint64
	framesDropped  atomic.Uint64
	errorsTotal    atomic.Uint64
	lastActivity   atomic.Int64
}

// Open opens the configured hardware transport and starts the receive loop.
//
// The virtual transport has no hardware to open; build it with
// NewVirtualBus and pass an endpoint to NewClient instead.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	var (
		port Port
		err  error
	)
	switch strings.ToLower(cfg.Transport) {
	case "", TransportSocketCAN:
		port, err = OpenSocketCAN(cfg.Channel, cfg.Filters)
	case TransportSLCAN:
		port, err = OpenSLCAN(cfg.SerialPort, cfg.SerialBaud, cfg.Bitrate)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	return NewClient(port, cfg), nil
}

// NewClient wraps an already open port and starts the receive loop.
func NewClient(port Port, cfg Config) *Client {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	c := &Client{
		cfg:           cfg,
		port:          port,
		connected:     true,
		callbackQueue: make(chan Frame, callbackQueueSize),
		done:          newCloseOnce(),
		failed:        newCloseOnce(),
	}

	// A single worker keeps callbacks in arrival order.
	c.wg.Add(2)
	go c.receiveLoop()
	go c.callbackWorker()

	return c
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		if c.isClosed() {
			return
		}

		if err := c.port.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.fail(fmt.Errorf("set read deadline: %w", err))
			return
		}

		frame, err := c.port.ReadFrame()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		c.handleFrame(frame)
	}
}

// handleReadError returns true if the loop must stop.
func (c *Client) handleReadError(err error) bool {
	if c.isClosed() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidFrame) {
		c.errorsTotal.Add(1)
		c.logDebug("discarding malformed frame", "error", err)
		return false
	}

	c.fail(err)
	return true
}

func (c *Client) handleFrame(frame Frame) {
	if !MatchAny(c.cfg.Filters, frame) {
		c.framesFiltered.Add(1)
		return
	}

	c.framesRx.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	c.callbackMu.RLock()
	hasCallback := c.onFrame != nil
	c.callbackMu.RUnlock()

	if !hasCallback {
		return
	}

	select {
	case c.callbackQueue <- frame:
	default:
		c.logError("callback queue full, dropping frame", nil)
		c.framesDropped.Add(1)
		c.errorsTotal.Add(1)
	}
}

func (c *Client) callbackWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			c.drainCallbackQueue()
			return
		case frame := <-c.callbackQueue:
			c.callbackMu.RLock()
			callback := c.onFrame
			c.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logError("frame callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(frame)
				}()
			}
		}
	}
}

// fail records a fatal transport error and marks the client disconnected.
func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()

	c.errorsTotal.Add(1)
	c.setConnected(false)
	c.logError("receive failed, transport is down", err)
	c.failed.Close()
}

func (c *Client) drainCallbackQueue() {
	for {
		select {
		case <-c.callbackQueue:
		default:
			return
		}
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the receive loop and dispatch, then closes the port.
// Safe to call multiple times.
func (c *Client) Close() error {
	select {
	case <-c.done.Done():
		return nil
	default:
	}
	c.done.Close()
	c.setConnected(false)

	err := c.port.Close()
	c.wg.Wait()

	c.logInfo("transport closed")
	return err
}

// Send writes a frame, bounded by the context deadline or a default
// write timeout, whichever is sooner.
func (c *Client) Send(ctx context.Context, frame Frame) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.port.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}

	// The context may have expired while waiting for the send mutex.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if err := c.port.WriteFrame(frame); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write %s: %w", ErrSendFailed, frame, err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnFrame sets the callback for received frames. The callback runs on
// the dispatch goroutine; a slow callback delays every later frame.
func (c *Client) SetOnFrame(callback func(Frame)) {
	c.callbackMu.Lock()
	c.onFrame = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true while the port is open and healthy.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// Failed is closed when the receive loop stops on a fatal error.
func (c *Client) Failed() <-chan struct{} {
	return c.failed.Done()
}

// Err returns the fatal receive error, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	var last time.Time
	if ts := c.lastActivity.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}
	return Stats{
		FramesTx:       c.framesTx.Load(),
		FramesRx:       c.framesRx.Load(),
		FramesFiltered: c.framesFiltered.Load(),
		FramesDropped:  c.framesDropped.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
		LastActivity:   last,
		Connected:      c.IsConnected(),
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
