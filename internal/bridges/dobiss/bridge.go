package dobiss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds a command from receipt to ack.
	commandTimeout = 2 * time.Second

	// requestTimeout bounds a single read_state request, including the
	// wait for other relays' queries to finish.
	requestTimeout = 5 * time.Second

	// readAllTimeout bounds a read_all request.
	readAllTimeout = 60 * time.Second

	// eventQueueSize buffers state changes between the bus dispatch
	// goroutine and the MQTT publisher.
	eventQueueSize = 256

	// storeTimeout bounds a single persistence read or write.
	storeTimeout = 2 * time.Second
)

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// StateStore persists relay state. Optional; satisfied by the device
// state history repository via an adapter in main.
type StateStore interface {
	// RecordStateChange appends a state observation.
	RecordStateChange(ctx context.Context, deviceID string, state map[string]any, source string) error

	// LatestStates returns the most recent recorded state per device.
	LatestStates(ctx context.Context) (map[string]map[string]any, error)

	// History returns up to limit records for a device, newest first.
	// A limit of 0 selects the store's default.
	History(ctx context.Context, deviceID string, limit int) ([]StateRecord, error)
}

// StateRecord is one persisted state observation.
type StateRecord struct {
	State     map[string]any `json:"state"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}

// MetricsWriter records relay telemetry. Optional; satisfied by *influxdb.Client.
type MetricsWriter interface {
	WriteRelayState(deviceID, address string, on bool, source string)
	WritePollResult(bridgeID string, refreshed, timedOut, failed int, duration time.Duration)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// Bus is the open CAN bus. Relays from Config are added to it.
	Bus *Bus

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Store is optional state persistence.
	Store StateStore

	// Metrics is optional time-series output.
	Metrics MetricsWriter

	// Version is reported in health messages.
	Version string

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge connects Dobiss relays to Gray Logic Core over MQTT:
//   - commands from Core switch relays
//   - every state observed on the bus is published as retained state
//   - read requests refresh relays on demand
//   - health and periodic polling run in the background
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg     *Config
	bus     *Bus
	mqtt    MQTTClient
	store   StateStore
	metrics MetricsWriter
	health  *HealthReporter
	poller  *Poller

	byAddress map[string]*Relay

	events        chan StateChange
	eventsDropped atomic.Uint64

	commandsTotal  atomic.Uint64
	commandsFailed atomic.Uint64
	statesTotal    atomic.Uint64

	// Shutdown coordination. stopMu orders request goroutines being
	// added against close(done), so wg.Add never races wg.Wait.
	done       chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopMu     sync.Mutex
	subscribed []string
	ctx        context.Context
	ctxCancel  context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge and adds the configured relays to the bus.
// Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:       opts.Config,
		bus:       opts.Bus,
		mqtt:      opts.MQTTClient,
		store:     opts.Store,
		metrics:   opts.Metrics,
		byAddress: make(map[string]*Relay),
		events:    make(chan StateChange, eventQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	for _, l := range opts.Config.Lights {
		r, err := opts.Bus.AddRelay(l.Name, l.DeviceID, l.Address())
		if err != nil {
			ctxCancel()
			return nil, fmt.Errorf("adding relay %q: %w", l.Name, err)
		}
		b.byAddress[r.Address().String()] = r
	}

	address := opts.Config.CAN.Channel
	if opts.Config.CAN.Transport == "slcan" {
		address = opts.Config.CAN.SerialPort
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   opts.Version,
		Address:   address,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Bus:       opts.Bus,
		Counters:  b,
	})
	b.health.SetDeviceCount(len(opts.Config.Lights))
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	b.poller = NewPoller(opts.Bus.Relays, opts.Config.GetPollInterval(), opts.Logger)
	b.poller.OnCycle(b.recordPoll)

	return b, nil
}

// Start restores persisted state, subscribes to Core's topics and starts
// the background workers.
func (b *Bridge) Start(ctx context.Context) error {
	b.restoreStates(ctx)

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	for _, r := range b.bus.Relays() {
		r.SetOnStateChange(b.enqueueStateChange)
	}

	b.wg.Add(1)
	go b.eventLoop()

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.trackSubscription(commandTopic)
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.trackSubscription(requestTopic)
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.poller.Start(b.ctx)

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"devices", len(b.byAddress),
		"poll_interval", b.cfg.GetPollInterval())

	return nil
}

// Stop gracefully shuts down the bridge. The bus is left open; the
// caller owns it.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.unsubscribeAll()

		b.stopMu.Lock()
		close(b.done)
		b.stopMu.Unlock()
		b.ctxCancel()

		for _, r := range b.bus.Relays() {
			r.SetOnStateChange(nil)
		}

		b.poller.Stop()
		b.health.Stop()
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

func (b *Bridge) trackSubscription(topic string) {
	b.stopMu.Lock()
	b.subscribed = append(b.subscribed, topic)
	b.stopMu.Unlock()
}

// unsubscribeAll stops Core's commands and requests reaching the bridge.
func (b *Bridge) unsubscribeAll() {
	b.stopMu.Lock()
	subs := b.subscribed
	b.subscribed = nil
	b.stopMu.Unlock()

	for _, topic := range subs {
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			b.logError("failed to unsubscribe", fmt.Errorf("topic=%s: %w", topic, err))
		}
	}
}

// goTracked runs fn on a goroutine Stop waits for. It reports false, and
// does not run fn, once Stop has begun.
func (b *Bridge) goTracked(fn func()) bool {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	select {
	case <-b.done:
		return false
	default:
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// restoreStates seeds each relay's cached state from the store.
func (b *Bridge) restoreStates(ctx context.Context) {
	if b.store == nil {
		return
	}

	states, err := b.store.LatestStates(ctx)
	if err != nil {
		b.logError("failed to load last known states", err)
		return
	}

	restored := 0
	for _, r := range b.bus.Relays() {
		on, ok := states[r.DeviceID()]["on"].(bool)
		if !ok {
			continue
		}
		r.Restore(on)
		restored++
	}
	b.logInfo("restored relay states", "count", restored)
}

// handleMQTTMessage routes an incoming MQTT message by type.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		address := ""
		if len(parts) > minTopicParts {
			address = parts[3]
		}
		b.handleCommand(address, payload)
	case "request":
		// Refreshes wait on the bus lock; keep the MQTT callback free.
		if !b.goTracked(func() { b.handleRequest(payload) }) {
			b.logInfo("bridge stopping, request ignored", "topic", topic)
		}
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// resolveRelay finds a relay by device ID, falling back to the topic address.
func (b *Bridge) resolveRelay(deviceID, address string) (*Relay, bool) {
	if deviceID != "" {
		return b.bus.Relay(deviceID)
	}
	r, ok := b.byAddress[address]
	return r, ok
}

func (b *Bridge) handleCommand(address string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = newRequestID()
	}
	b.commandsTotal.Add(1)

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	relay, ok := b.resolveRelay(cmd.DeviceID, address)
	if !ok {
		b.publishAckError(cmd, address, ErrCodeNotConfigured,
			fmt.Sprintf("device %q at %q not configured", cmd.DeviceID, address))
		return
	}
	cmd.DeviceID = relay.DeviceID()
	address = relay.Address().String()

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd.Command {
	case "on":
		err = relay.TurnOn(ctx)
	case "off":
		err = relay.TurnOff(ctx)
	case "toggle":
		err = relay.Set(ctx, !relay.IsOn())
	default:
		b.publishAckError(cmd, address, ErrCodeInvalidCommand,
			fmt.Sprintf("unsupported command %q", cmd.Command))
		return
	}

	if err != nil {
		code := ErrCodeDeviceUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		b.publishAckError(cmd, address, code, err.Error())
		return
	}

	b.publishAck(cmd, address, AckAccepted)
}

func (b *Bridge) publishAck(cmd CommandMessage, address string, status AckStatus) {
	b.publishJSON(AckTopic(address), NewAckMessage(cmd, status, address), false)
}

func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string) {
	b.commandsFailed.Add(1)
	b.publishJSON(AckTopic(address), NewAckError(cmd, address, code, message), false)
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message))
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case "read_state":
		resp = b.handleReadState(req)
	case "read_all":
		resp = b.handleReadAll(req)
	case "read_history":
		resp = b.handleReadHistory(req)
	default:
		resp = NewErrorResponse(req.RequestID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishJSON(ResponseTopic(req.RequestID), resp, false)
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return NewErrorResponse(req.RequestID, ErrCodeInvalidParameters, "device_id is required")
	}

	relay, ok := b.bus.Relay(req.DeviceID)
	if !ok {
		return NewErrorResponse(req.RequestID, ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", req.DeviceID))
	}

	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	if err := relay.Refresh(ctx); err != nil {
		code := ErrCodeDeviceUnreachable
		switch {
		case errors.Is(err, ErrReplyTimeout):
			code = ErrCodeTimeout
		case errors.Is(err, ErrBusBusy):
			code = ErrCodeBusBusy
		}
		return NewErrorResponse(req.RequestID, code, err.Error())
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"device_id": relay.DeviceID(),
			"address":   relay.Address().String(),
			"on":        relay.IsOn(),
		},
	}
}

func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, readAllTimeout)
	defer cancel()

	res := b.poller.PollOnce(ctx)
	if ctx.Err() != nil {
		return NewErrorResponse(req.RequestID, ErrCodeTimeout, "read_all timed out")
	}
	b.recordPoll(res)

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"refreshed": res.Refreshed,
			"timed_out": res.TimedOut,
			"failed":    res.Failed,
		},
	}
}

// handleReadHistory returns the persisted state changes of one relay.
// parameters.limit is optional.
func (b *Bridge) handleReadHistory(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return NewErrorResponse(req.RequestID, ErrCodeInvalidParameters, "device_id is required")
	}
	relay, ok := b.bus.Relay(req.DeviceID)
	if !ok {
		return NewErrorResponse(req.RequestID, ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", req.DeviceID))
	}
	if b.store == nil {
		return NewErrorResponse(req.RequestID, ErrCodeUnavailable, "state history is not enabled")
	}

	limit := 0
	if v, ok := req.Parameters["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	ctx, cancel := context.WithTimeout(b.ctx, storeTimeout)
	defer cancel()

	records, err := b.store.History(ctx, relay.DeviceID(), limit)
	if err != nil {
		return NewErrorResponse(req.RequestID, ErrCodeUnavailable, err.Error())
	}
	if records == nil {
		records = []StateRecord{}
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"device_id": relay.DeviceID(),
			"address":   relay.Address().String(),
			"history":   records,
		},
	}
}

// enqueueStateChange runs on the bus dispatch goroutine and must not block.
func (b *Bridge) enqueueStateChange(c StateChange) {
	select {
	case b.events <- c:
	default:
		b.eventsDropped.Add(1)
		b.logError("state event queue full, dropping update",
			fmt.Errorf("device=%s", c.DeviceID))
	}
}

func (b *Bridge) eventLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case c := <-b.events:
			b.handleStateChange(c)
		}
	}
}

// handleStateChange publishes every observed state and persists changes.
func (b *Bridge) handleStateChange(c StateChange) {
	b.statesTotal.Add(1)
	b.publishJSON(StateTopic(c.Address.String()), NewStateMessage(c), true)

	if b.metrics != nil {
		b.metrics.WriteRelayState(c.DeviceID, c.Address.String(), c.On, string(c.Source))
	}

	if !c.Changed() || b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, storeTimeout)
	defer cancel()
	if err := b.store.RecordStateChange(ctx, c.DeviceID, map[string]any{"on": c.On}, string(c.Source)); err != nil {
		b.logError("failed to record state change", err)
	}
}

func (b *Bridge) recordPoll(res PollResult) {
	if b.metrics != nil {
		b.metrics.WritePollResult(b.cfg.Bridge.ID, res.Refreshed, len(res.TimedOut), len(res.Failed), res.Duration)
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish", fmt.Errorf("topic=%s: %w", topic, err))
	}
}

// BridgeMetrics is a snapshot of bridge counters.
type BridgeMetrics struct {
	CommandsTotal   uint64
	CommandsFailed  uint64
	StatesPublished uint64
	EventsDropped   uint64
}

// GetMetrics returns current bridge counters.
func (b *Bridge) GetMetrics() BridgeMetrics {
	return BridgeMetrics{
		CommandsTotal:   b.commandsTotal.Load(),
		CommandsFailed:  b.commandsFailed.Load(),
		StatesPublished: b.statesTotal.Load(),
		EventsDropped:   b.eventsDropped.Load(),
	}
}

// SetLogger sets the logger for this bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
