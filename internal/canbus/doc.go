// Package canbus provides the CAN frame transport used by the Dobiss bridge.
//
// It owns the physical side of the bus: opening an interface, applying a
// coarse receive filter, sending frames with a bounded deadline and handing
// every accepted inbound frame to a single callback in arrival order.
//
// # Transports
//
//   - SocketCAN (Linux): raw CAN_RAW socket bound to an interface such as
//     "can0". Receive filters are installed in the kernel. The bit-rate must
//     already be configured on the interface (ip link / systemd-networkd).
//   - SLCAN: Lawicel ASCII protocol over a USB serial adapter. The bit-rate
//     is set with the "Sn" command when the channel is opened.
//   - Virtual: an in-process broadcast medium used by tests and by the
//     module simulator.
//
// # Ordering
//
// Frames are dispatched by a single worker goroutine, so the callback sees
// frames in the order the port produced them. A full dispatch queue drops
// the newest frame and counts it in Stats.FramesDropped.
//
// # Thread Safety
//
// Client is safe for concurrent use. Send is serialised by a mutex because
// not every port is safe for concurrent writes.
package canbus
