package protocol

import (
	"fmt"

	"github.com/ZentaChain/entitysync/pkg/bitmsg"
)

const controlBufferSize = 256

// ===== HANDSHAKE =====

// Handshake is the first packet a connecting peer sends
type Handshake struct {
	Version uint16
	Name    string
}

// Encode encodes the handshake to bytes
func (m *Handshake) Encode() []byte {
	w := bitmsg.NewWriter(controlBufferSize)
	w.WriteUint16(m.Version)
	w.WriteString(m.Name)
	return w.Bytes()
}

// Decode decodes the handshake from bytes
func (m *Handshake) Decode(buf []byte) error {
	r := bitmsg.NewReader(buf)
	m.Version = r.ReadUint16()
	m.Name = r.ReadString()
	if err := r.Err(); err != nil {
		return fmt.Errorf("failed to decode handshake: %w", err)
	}
	return nil
}

// HandshakeAck assigns the peer its identity for the session
type HandshakeAck struct {
	PeerID    uint16
	SessionID string
}

// Encode encodes the ack to bytes
func (m *HandshakeAck) Encode() []byte {
	w := bitmsg.NewWriter(controlBufferSize)
	w.WriteUint16(m.PeerID)
	w.WriteString(m.SessionID)
	return w.Bytes()
}

// Decode decodes the ack from bytes
func (m *HandshakeAck) Decode(buf []byte) error {
	r := bitmsg.NewReader(buf)
	m.PeerID = r.ReadUint16()
	m.SessionID = r.ReadString()
	if err := r.Err(); err != nil {
		return fmt.Errorf("failed to decode handshake ack: %w", err)
	}
	return nil
}

// ===== KEEPALIVE =====

// Ping carries the sender's clock in Unix nanoseconds. Pong echoes it back.
type Ping struct {
	Timestamp int64
}

// Encode encodes the ping to bytes
func (m *Ping) Encode() []byte {
	w := bitmsg.NewWriter(8)
	w.WriteInt64(m.Timestamp)
	return w.Bytes()
}

// Decode decodes the ping from bytes
func (m *Ping) Decode(buf []byte) error {
	r := bitmsg.NewReader(buf)
	m.Timestamp = r.ReadInt64()
	if err := r.Err(); err != nil {
		return fmt.Errorf("failed to decode ping: %w", err)
	}
	return nil
}

// ===== DISCONNECT =====

// Disconnect tells the other side why the connection is being closed
type Disconnect struct {
	Reason  uint8
	Message string
}

// Encode encodes the disconnect to bytes
func (m *Disconnect) Encode() []byte {
	w := bitmsg.NewWriter(controlBufferSize)
	w.WriteUint8(m.Reason)
	w.WriteString(truncate(m.Message, controlBufferSize-8))
	return w.Bytes()
}

// Decode decodes the disconnect from bytes
func (m *Disconnect) Decode(buf []byte) error {
	r := bitmsg.NewReader(buf)
	m.Reason = r.ReadUint8()
	m.Message = r.ReadString()
	if err := r.Err(); err != nil {
		return fmt.Errorf("failed to decode disconnect: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
