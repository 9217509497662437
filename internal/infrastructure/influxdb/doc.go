// Package influxdb writes Dobiss bridge telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go with connection management, health checks
// and two bridge-specific measurements:
//
//   - relay_state: one point per observed relay state (ack or query)
//   - poll_cycle: refresh pass totals and duration
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteRelayState("light-wc", "1.3", true, "ack")
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Write errors arrive asynchronously through SetOnError.
package influxdb
