package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidMagic   = errors.New("invalid protocol magic")
	ErrInvalidVersion = errors.New("unsupported protocol version")
	ErrInvalidHeader  = errors.New("invalid header")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrLengthMismatch = errors.New("payload length does not match header")
)

// Header frames every packet on the wire. Fields are big-endian in the
// order declared.
type Header struct {
	Magic    uint32
	Version  uint16
	Type     uint16
	Length   uint32 // payload bytes after the header
	Flags    uint16
	Sequence uint32 // per-connection send counter
	Reserved uint16
}

// Encode returns the HeaderSize-byte wire form
func (h *Header) Encode() []byte {
	return h.appendTo(make([]byte, 0, HeaderSize))
}

func (h *Header) appendTo(buf []byte) []byte {
	be := binary.BigEndian
	buf = be.AppendUint32(buf, h.Magic)
	buf = be.AppendUint16(buf, h.Version)
	buf = be.AppendUint16(buf, h.Type)
	buf = be.AppendUint32(buf, h.Length)
	buf = be.AppendUint16(buf, h.Flags)
	buf = be.AppendUint32(buf, h.Sequence)
	return be.AppendUint16(buf, h.Reserved)
}

// Decode fills h from the first HeaderSize bytes of buf. It does not
// validate; see Validate.
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: %d of %d bytes", ErrInvalidHeader, len(buf), HeaderSize)
	}
	be := binary.BigEndian
	*h = Header{
		Magic:    be.Uint32(buf),
		Version:  be.Uint16(buf[4:]),
		Type:     be.Uint16(buf[6:]),
		Length:   be.Uint32(buf[8:]),
		Flags:    be.Uint16(buf[12:]),
		Sequence: be.Uint32(buf[14:]),
		Reserved: be.Uint16(buf[18:]),
	}
	return nil
}

// Validate rejects foreign traffic, other protocol versions and oversized
// frames, in that order
func (h *Header) Validate() error {
	switch {
	case h.Magic != ProtocolMagic:
		return fmt.Errorf("%w: %#08x", ErrInvalidMagic, h.Magic)
	case h.Version != ProtocolVersion:
		return fmt.Errorf("%w: %#04x", ErrInvalidVersion, h.Version)
	case h.Length > MaxFrameSize:
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}
	return nil
}

func (h *Header) HasFlag(flag uint16) bool { return h.Flags&flag != 0 }
func (h *Header) SetFlag(flag uint16)      { h.Flags |= flag }
func (h *Header) ClearFlag(flag uint16)    { h.Flags &^= flag }

// ReadHeader reads and validates one header
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := new(Header)
	if err := h.Decode(buf[:]); err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteHeader writes the wire form of h
func WriteHeader(w io.Writer, h *Header) error {
	_, err := w.Write(h.Encode())
	return err
}

// ReadFrame reads one header and its payload from a stream and returns the
// whole frame, header included.
func ReadFrame(r io.Reader) ([]byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	frame := h.appendTo(make([]byte, 0, HeaderSize+int(h.Length)))
	frame = frame[:HeaderSize+int(h.Length)]
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("failed to read %d byte payload: %w", h.Length, err)
	}
	return frame, nil
}
