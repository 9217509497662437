package dobiss

import (
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
	"github.com/nerrad567/gray-logic-dobiss/internal/infrastructure/mqtt"
)

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "dobiss"

// CommandMessage is sent from Core to Bridge to switch a relay.
// Topic: graylogic/command/dobiss/{address}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier. When empty the
	// address in the topic selects the relay.
	DeviceID string `json:"device_id"`

	// Command is "on", "off" or "toggle".
	Command string `json:"command"`

	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated: "api", "automation", "scene".
	Source string `json:"source"`

	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the set command was written to the bus.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the bus did not accept the frame in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/dobiss/{address}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBusBusy           = "BUS_BUSY"
	ErrCodeUnavailable       = "UNAVAILABLE"
)

// StateMessage is sent from Bridge to Core whenever a relay state is
// observed on the bus.
// Topic: graylogic/state/dobiss/{address}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	// State is {"on": bool}.
	State map[string]any `json:"state"`

	Protocol string `json:"protocol"`
	Address  string `json:"address"`

	// Source is "ack" for set acknowledgements and "query" for status replies.
	Source string `json:"source"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/dobiss
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the CAN transport state.
type ConnectionStatus struct {
	// Status is "connected" or "disconnected".
	Status string `json:"status"`

	// Address is the CAN interface or serial port.
	Address string `json:"address"`

	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	FramesReceived  uint64 `json:"frames_received"`
	FramesSent      uint64 `json:"frames_sent"`
	FramesDropped   uint64 `json:"frames_dropped"`
	Errors          uint64 `json:"errors"`
	RefreshTimeouts uint64 `json:"refresh_timeouts"`

	// FramesDispatched counts frames fanned out to the relays.
	FramesDispatched uint64 `json:"frames_dispatched"`

	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`

	// EventsDropped counts state changes lost to a full publish queue.
	EventsDropped uint64 `json:"events_dropped"`
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/dobiss/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is "read_state", "read_all" or "read_history".
	Action string `json:"action"`

	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/dobiss/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewAckMessage creates an acknowledgement message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates an acknowledgement with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address)
	if code == ErrCodeTimeout {
		ack.Status = AckTimeout
	}
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message from a relay state change.
func NewStateMessage(c StateChange) StateMessage {
	return StateMessage{
		DeviceID:  c.DeviceID,
		Timestamp: c.Timestamp,
		State:     map[string]any{"on": c.On},
		Protocol:  Protocol,
		Address:   c.Address.String(),
		Source:    string(c.Source),
	}
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats canbus.Stats, refreshTimeouts uint64, deviceCount int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
		Connection:     &ConnectionStatus{Status: "disconnected"},
		Statistics: &BridgeStatistics{
			FramesReceived:  stats.FramesRx,
			FramesSent:      stats.FramesTx,
			FramesDropped:   stats.FramesDropped,
			Errors:          stats.ErrorsTotal,
			RefreshTimeouts: refreshTimeouts,
		},
	}

	if stats.Connected {
		msg.Connection.Status = "connected"
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity.UTC()
		msg.Connection.LastActivity = &last
	}

	return msg
}

// NewLWTMessage creates the Last Will and Testament published by the
// broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// newRequestID returns a random correlation ID.
func newRequestID() string {
	return uuid.NewString()
}

// Topic helpers, all under the dobiss protocol segment.

var topics mqtt.Topics

// CommandTopic returns the command topic for a relay address.
// Example: graylogic/command/dobiss/1.3
func CommandTopic(address string) string { return topics.BridgeCommand(Protocol, address) }

// AckTopic returns the acknowledgement topic for a relay address.
func AckTopic(address string) string { return topics.BridgeAck(Protocol, address) }

// StateTopic returns the state topic for a relay address.
func StateTopic(address string) string { return topics.BridgeState(Protocol, address) }

// HealthTopic returns the bridge health topic.
func HealthTopic() string { return topics.BridgeHealth(Protocol) }

// RequestTopic returns the request topic for a request ID.
func RequestTopic(requestID string) string { return topics.BridgeRequest(Protocol, requestID) }

// ResponseTopic returns the response topic for a request ID.
func ResponseTopic(requestID string) string { return topics.BridgeResponse(Protocol, requestID) }

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string { return topics.BridgeCommands(Protocol) }

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string { return topics.BridgeRequests(Protocol) }
