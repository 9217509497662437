package dobiss

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

func TestCommandMessageJSON(t *testing.T) {
	payload := []byte(`{
		"id": "cmd-42",
		"timestamp": "2026-01-15T10:30:00Z",
		"device_id": "light-wc",
		"command": "toggle",
		"source": "automation"
	}`)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if cmd.ID != "cmd-42" || cmd.DeviceID != "light-wc" || cmd.Command != "toggle" {
		t.Errorf("cmd = %+v", cmd)
	}
	want := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	if !cmd.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", cmd.Timestamp, want)
	}
}

func TestNewAckMessage(t *testing.T) {
	cmd := CommandMessage{ID: "cmd-1", DeviceID: "light-wc", Command: "on"}

	ack := NewAckMessage(cmd, AckAccepted, "1.3")

	if ack.CommandID != "cmd-1" || ack.DeviceID != "light-wc" {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Status != AckAccepted || ack.Protocol != Protocol || ack.Address != "1.3" {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Error != nil {
		t.Error("accepted ack should have no error")
	}
	if time.Since(ack.Timestamp) > time.Second {
		t.Errorf("Timestamp %v is not recent", ack.Timestamp)
	}
}

func TestNewAckError(t *testing.T) {
	tests := []struct {
		code       string
		wantStatus AckStatus
	}{
		{ErrCodeDeviceUnreachable, AckFailed},
		{ErrCodeNotConfigured, AckFailed},
		{ErrCodeTimeout, AckTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ack := NewAckError(CommandMessage{ID: "c"}, "1.3", tt.code, "boom")

			if ack.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", ack.Status, tt.wantStatus)
			}
			if ack.Error == nil || ack.Error.Code != tt.code || ack.Error.Message != "boom" {
				t.Errorf("Error = %+v", ack.Error)
			}
		})
	}
}

func TestNewStateMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	msg := NewStateMessage(StateChange{
		DeviceID:  "light-wc",
		Name:      "WC",
		Address:   Address{Module: 1, Relay: 3},
		On:        true,
		Source:    SourceQuery,
		Timestamp: ts,
	})

	if msg.DeviceID != "light-wc" || msg.Address != "1.3" || msg.Protocol != Protocol {
		t.Errorf("msg = %+v", msg)
	}
	if msg.State["on"] != true {
		t.Errorf("State = %v, want on=true", msg.State)
	}
	if msg.Source != "query" {
		t.Errorf("Source = %q, want query", msg.Source)
	}
	if !msg.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp, ts)
	}
}

func TestNewHealthMessage(t *testing.T) {
	last := time.Now().Add(-time.Minute)
	stats := canbus.Stats{
		FramesTx:      10,
		FramesRx:      20,
		FramesDropped: 1,
		ErrorsTotal:   2,
		LastActivity:  last,
		Connected:     true,
	}

	msg := NewHealthMessage("bridge-1", "1.0.0", HealthHealthy, stats, 3, 7, time.Now().Add(-time.Hour))

	if msg.Bridge != "bridge-1" || msg.Version != "1.0.0" || msg.Status != HealthHealthy {
		t.Errorf("msg = %+v", msg)
	}
	if msg.DevicesManaged != 7 {
		t.Errorf("DevicesManaged = %d, want 7", msg.DevicesManaged)
	}
	if msg.UptimeSeconds < 3599 {
		t.Errorf("UptimeSeconds = %d, want about 3600", msg.UptimeSeconds)
	}
	if msg.Connection.Status != "connected" || msg.Connection.LastActivity == nil {
		t.Errorf("Connection = %+v", msg.Connection)
	}
	s := msg.Statistics
	if s.FramesSent != 10 || s.FramesReceived != 20 || s.FramesDropped != 1 || s.Errors != 2 || s.RefreshTimeouts != 3 {
		t.Errorf("Statistics = %+v", s)
	}
}

func TestNewHealthMessageDisconnected(t *testing.T) {
	msg := NewHealthMessage("bridge-1", "1.0.0", HealthUnhealthy, canbus.Stats{}, 0, 0, time.Now())

	if msg.Connection.Status != "disconnected" {
		t.Errorf("Connection.Status = %q, want disconnected", msg.Connection.Status)
	}
	if msg.Connection.LastActivity != nil {
		t.Error("LastActivity should be omitted when there was no activity")
	}
}

func TestNewLWTMessage(t *testing.T) {
	msg := NewLWTMessage("bridge-1")

	if msg.Status != HealthOffline || msg.Reason != "unexpected_disconnect" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestNewRequestIDIsUUID(t *testing.T) {
	a, b := newRequestID(), newRequestID()

	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("newRequestID() = %q is not a UUID: %v", a, err)
	}
	if a == b {
		t.Error("newRequestID() returned the same ID twice")
	}
}

func TestTopicHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"command", CommandTopic("1.3"), "graylogic/command/dobiss/1.3"},
		{"ack", AckTopic("1.3"), "graylogic/ack/dobiss/1.3"},
		{"state", StateTopic("2.0"), "graylogic/state/dobiss/2.0"},
		{"health", HealthTopic(), "graylogic/health/dobiss"},
		{"request", RequestTopic("r1"), "graylogic/request/dobiss/r1"},
		{"response", ResponseTopic("r1"), "graylogic/response/dobiss/r1"},
		{"command subscribe", CommandSubscribeTopic(), "graylogic/command/dobiss/#"},
		{"request subscribe", RequestSubscribeTopic(), "graylogic/request/dobiss/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestStateMessageJSON(t *testing.T) {
	msg := NewStateMessage(StateChange{
		DeviceID:  "light-wc",
		Address:   Address{Module: 1, Relay: 3},
		On:        false,
		Source:    SourceAck,
		Timestamp: time.Now().UTC(),
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	for _, key := range []string{"device_id", "timestamp", "state", "protocol", "address", "source"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	state, _ := raw["state"].(map[string]any)
	if state["on"] != false {
		t.Errorf("state = %v, want on=false", raw["state"])
	}
}
