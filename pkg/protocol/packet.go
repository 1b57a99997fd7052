package protocol

import (
	"fmt"
)

// Packet is a framed protocol packet
type Packet struct {
	Header  *Header
	Payload []byte
}

// NewPacket creates a new packet
func NewPacket(msgType uint16, payload []byte) *Packet {
	return &Packet{
		Header: &Header{
			Magic:   ProtocolMagic,
			Version: ProtocolVersion,
			Type:    msgType,
			Length:  uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Encode returns header and payload as one buffer
func (p *Packet) Encode() []byte {
	p.Header.Length = uint32(len(p.Payload))
	buf := make([]byte, 0, HeaderSize+len(p.Payload))
	buf = append(buf, p.Header.Encode()...)
	return append(buf, p.Payload...)
}

// DecodePacket parses a whole frame as delivered by a transport
func DecodePacket(buf []byte) (*Packet, error) {
	header := &Header{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	if int(header.Length) != len(buf)-HeaderSize {
		return nil, fmt.Errorf("%w: header says %d, frame has %d",
			ErrLengthMismatch, header.Length, len(buf)-HeaderSize)
	}

	return &Packet{Header: header, Payload: buf[HeaderSize:]}, nil
}
