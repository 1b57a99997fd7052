package protocol

import (
	"math"
)

// Protocol constants
const (
	// Magic number for the entitysync protocol ('ESYN')
	ProtocolMagic = 0x4553594E

	// Protocol version
	ProtocolVersion = 0x0100 // v1.0

	// Header size
	HeaderSize = 20

	// MaxFrameSize bounds the payload length a header may declare
	MaxFrameSize = 64 * 1024
)

// Packet types
const (
	// Connection management (0x00xx)
	MsgTypeHandshake    uint16 = 0x0001
	MsgTypeHandshakeAck uint16 = 0x0002
	MsgTypePing         uint16 = 0x0003
	MsgTypePong         uint16 = 0x0004
	MsgTypeDisconnect   uint16 = 0x0005

	// Replication (0x01xx)
	MsgTypeData       uint16 = 0x0100
	MsgTypeRoundStart uint16 = 0x0101 // Both sides clear their queues and streams
)

// Flags
const (
	FlagCompressed uint16 = 0x0001 // Payload is deflated
	FlagReliable   uint16 = 0x0002 // Sent with reliable ordered delivery
)

// Segment tags inside a Data packet
const (
	SegmentEnd                uint8 = 0x00
	SegmentAck                uint8 = 0x01
	SegmentEntityEvent        uint8 = 0x02
	SegmentEntityEventInitial uint8 = 0x03
)

// Disconnect reasons
const (
	ReasonShutdown uint8 = iota
	ReasonVersionMismatch
	ReasonProtocolError
	ReasonDesyncRemovedEvent
	ReasonDesyncOldEvent
	ReasonDesyncSyncTimeout
	ReasonMissingEntity
)

// EventID identifies an entity event. IDs wrap around, so ordering must go
// through IDMoreRecent rather than the < operator.
type EventID uint16

// IDMoreRecent reports whether a was allocated after b. The ID space is
// treated as a circle: a is newer when it lies less than half the range ahead.
func IDMoreRecent(a, b EventID) bool {
	const half = math.MaxUint16 / 2
	return (a > b && a-b <= half) || (b > a && b-a > half)
}

// IDNewest returns whichever of a and b is more recent
func IDNewest(a, b EventID) EventID {
	if IDMoreRecent(b, a) {
		return b
	}
	return a
}

// TypeName returns a readable name for a packet type
func TypeName(t uint16) string {
	switch t {
	case MsgTypeHandshake:
		return "handshake"
	case MsgTypeHandshakeAck:
		return "handshake_ack"
	case MsgTypePing:
		return "ping"
	case MsgTypePong:
		return "pong"
	case MsgTypeDisconnect:
		return "disconnect"
	case MsgTypeData:
		return "data"
	case MsgTypeRoundStart:
		return "round_start"
	default:
		return "unknown"
	}
}

// ReasonName returns a readable name for a disconnect reason
func ReasonName(r uint8) string {
	switch r {
	case ReasonShutdown:
		return "shutdown"
	case ReasonVersionMismatch:
		return "version_mismatch"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonDesyncRemovedEvent:
		return "desync_removed_event"
	case ReasonDesyncOldEvent:
		return "desync_old_event"
	case ReasonDesyncSyncTimeout:
		return "desync_sync_timeout"
	case ReasonMissingEntity:
		return "missing_entity"
	default:
		return "unknown"
	}
}
