package dobiss

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

// HealthReporter publishes the bridge health message at a fixed interval.
type HealthReporter struct {
	bridgeID  string
	version   string
	address   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	bus       BusStatus
	counters  CounterSource

	deviceCount   int
	deviceCountMu sync.RWMutex

	// Timeouts seen at the previous report, for degraded detection.
	lastTimeouts uint64
	timeoutsMu   sync.Mutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// BusStatus provides transport statistics. Satisfied by *Bus.
type BusStatus interface {
	IsConnected() bool
	Stats() canbus.Stats
	RefreshTimeouts() uint64
	FramesDispatched() uint64
}

// CounterSource provides the bridge's MQTT-side counters. Satisfied by *Bridge.
type CounterSource interface {
	GetMetrics() BridgeMetrics
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Address is the CAN interface or serial port, reported as-is.
	Address string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Bus       BusStatus

	// Counters is optional.
	Counters CounterSource
}

// NewHealthReporter creates a new health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		address:   cfg.Address,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		bus:       cfg.Bus,
		counters:  cfg.Counters,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetDeviceCount updates the managed device count.
func (h *HealthReporter) SetDeviceCount(count int) {
	h.deviceCountMu.Lock()
	h.deviceCount = count
	h.deviceCountMu.Unlock()
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.bus == nil || !h.bus.IsConnected() {
		return HealthUnhealthy, "CAN bus down"
	}
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	timeouts := h.bus.RefreshTimeouts()
	h.timeoutsMu.Lock()
	grew := timeouts > h.lastTimeouts
	h.lastTimeouts = timeouts
	h.timeoutsMu.Unlock()

	if grew {
		return HealthDegraded, "relay modules not answering status queries"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	h.deviceCountMu.RLock()
	deviceCount := h.deviceCount
	h.deviceCountMu.RUnlock()

	var (
		stats    canbus.Stats
		timeouts uint64
	)
	if h.bus != nil {
		stats = h.bus.Stats()
		timeouts = h.bus.RefreshTimeouts()
	}

	msg := NewHealthMessage(h.bridgeID, h.version, status, stats, timeouts, deviceCount, h.startTime)
	msg.Reason = reason
	msg.Connection.Address = h.address
	if h.bus != nil {
		msg.Statistics.FramesDispatched = h.bus.FramesDispatched()
	}
	if h.counters != nil {
		m := h.counters.GetMetrics()
		msg.Statistics.CommandsReceived = m.CommandsTotal
		msg.Statistics.CommandsFailed = m.CommandsFailed
		msg.Statistics.StatesPublished = m.StatesPublished
		msg.Statistics.EventsDropped = m.EventsDropped
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
