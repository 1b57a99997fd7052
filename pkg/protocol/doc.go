// Package protocol defines the entitysync wire protocol.
//
// # Header Format
//
// Every packet starts with a 20-byte big-endian header:
//   - Magic (4 bytes): Protocol identifier (0x4553594E = "ESYN")
//   - Version (2 bytes): Protocol version (0x0100 = v1.0)
//   - Type (2 bytes): Packet type
//   - Length (4 bytes): Payload length
//   - Flags (2 bytes): Compressed, Reliable
//   - Sequence (4 bytes): Per-connection send counter
//   - Reserved (2 bytes): Reserved for future use
//
// # Packet Types
//
// Connection management (0x00xx):
//   - Handshake/HandshakeAck: peer identification and session assignment
//   - Ping/Pong: round-trip measurement
//   - Disconnect: clean termination with a reason code
//
// Replication (0x01xx):
//   - Data: a sequence of tagged segments encoded with package bitmsg
//   - RoundStart: the host resets replication; the peer clears and echoes it
//
// # Data Segments
//
// Each segment is a one-byte tag followed by its body:
//
//	SegmentAck                 [lastReceived u16]
//	SegmentEntityEventInitial  [unreceived u16][firstNewId u16]
//	SegmentEntityEvent         [firstEventId u16][count u8]
//	                           { [entityId u16][len u8][payload][pad] } * count
//	SegmentEnd
//
// An entityId of zero is the null sentinel: the event's ID slot is consumed
// and no length or payload follows.
//
// A peer joining mid-round first receives unreceived catch-up events, one per
// changed entity, with the IDs just before firstNewId.
//
// # Event IDs
//
// Event IDs are 16-bit and wrap. Compare them with IDMoreRecent.
package protocol
