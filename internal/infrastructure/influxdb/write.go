package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementRelayState = "relay_state"
	MeasurementPollCycle  = "poll_cycle"
)

// WriteRelayState records one observed relay state.
//
// Tags: device_id, address, source. Fields: on (bool) and value (0 or 1)
// so the series can be graphed and aggregated.
func (c *Client) WriteRelayState(deviceID, address string, on bool, source string) {
	value := 0
	if on {
		value = 1
	}

	c.WritePoint(MeasurementRelayState,
		map[string]string{
			"device_id": deviceID,
			"address":   address,
			"source":    source,
		},
		map[string]any{
			"on":    on,
			"value": value,
		},
	)
}

// WritePollResult records the outcome of one full refresh pass.
func (c *Client) WritePollResult(bridgeID string, refreshed, timedOut, failed int, duration time.Duration) {
	c.WritePoint(MeasurementPollCycle,
		map[string]string{
			"bridge_id": bridgeID,
		},
		map[string]any{
			"refreshed":   refreshed,
			"timed_out":   timedOut,
			"failed":      failed,
			"duration_ms": duration.Milliseconds(),
		},
	)
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
// Writes on a disconnected client are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
