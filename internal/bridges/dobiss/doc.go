// Package dobiss implements the Dobiss relay bridge for Gray Logic.
//
// Dobiss relay modules sit on a shared CAN bus at 125 kbit/s. Each module
// switches up to a dozen relays, addressed by (module, relay). Setting a
// relay is fire-and-forget: the module answers with a set-acknowledgement
// that names the relay. Querying a relay is not: the status reply carries
// only the state byte, with no indication of which relay it belongs to.
//
// The package therefore correlates replies structurally:
//
//   - A BusLock allows at most one outstanding status query per bus.
//   - The relay holding the lock marks itself as awaiting a reply.
//   - The Dispatcher fans every inbound frame out to every Relay; only the
//     awaiting relay consumes a query reply.
//
// A query that receives no reply within the reply timeout fails with
// ErrReplyTimeout, clears the awaiting flag and releases the lock, so a
// lost reply never wedges the bus.
//
// # Architecture
//
//	Gray Logic Core ◄──MQTT──► Bridge ──► Relay ──► canbus.Client ──► CAN bus
//	                                        ▲                            │
//	                                        └───────── Dispatcher ◄──────┘
//
// The Bridge translates MQTT commands and requests into relay operations
// and publishes every StateChange as a retained state message. The Poller
// refreshes every relay periodically, and the HealthReporter publishes
// transport statistics.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package dobiss
