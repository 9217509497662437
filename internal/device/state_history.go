package device

import (
	"context"
	"time"
)

// State history source values. These match the sources the Dobiss relay
// reports on each state change.
const (
	StateHistorySourceAck     = "ack"
	StateHistorySourceQuery   = "query"
	StateHistorySourceRestore = "restore"
)

// State is a JSON-serialisable snapshot of a device's state.
//
// For a Dobiss relay this is {"on": true|false}.
type State map[string]any

// StateHistoryEntry represents a single device state change record.
//
// Each entry stores a full snapshot of the device state at the time the
// change was observed, so the last known relay states survive a restart
// even when the time-series database is unavailable.
type StateHistoryEntry struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	State     State     `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and retrieves device state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordStateChange records a device state change. An empty source
	// defaults to StateHistorySourceAck.
	RecordStateChange(ctx context.Context, deviceID string, state State, source string) error

	// GetHistory returns recent state changes for the device, newest first.
	// Implementations may clamp limit.
	GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error)

	// LatestStates returns the most recent snapshot recorded for every device.
	LatestStates(ctx context.Context) (map[string]State, error)

	// PruneHistory deletes entries older than olderThan and returns the count.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
