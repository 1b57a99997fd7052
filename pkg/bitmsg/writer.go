package bitmsg

import (
	"errors"
	"math"
	"math/bits"
)

var (
	ErrOverflow  = errors.New("bitmsg: write exceeds buffer capacity")
	ErrShortRead = errors.New("bitmsg: read past end of buffer")
	ErrBadRange  = errors.New("bitmsg: invalid range")
)

const (
	// MaxPacketSize is the default scratch capacity, sized to the transport MTU.
	MaxPacketSize = 1200

	// MaxStringLength bounds the declared length of a string on read.
	MaxStringLength = 4096
)

// Writer packs primitives into a fixed-capacity buffer at arbitrary bit
// offsets. Bits are filled LSB-first and multi-byte values are little-endian.
//
// A Writer never grows. A write that does not fit is dropped and the
// overflow is reported by Err; every later write is a no-op.
type Writer struct {
	buf    []byte
	bitPos int
	bitLen int
	err    error
}

// NewWriter creates a writer with the given capacity in bytes
func NewWriter(capacity int) *Writer {
	if capacity <= 0 {
		capacity = MaxPacketSize
	}
	return &Writer{buf: make([]byte, capacity)}
}

// Reset clears the writer for reuse
func (w *Writer) Reset() {
	clear(w.buf[:w.LengthBytes()])
	w.bitPos = 0
	w.bitLen = 0
	w.err = nil
}

// Err returns the first overflow encountered, if any
func (w *Writer) Err() error {
	return w.err
}

// Capacity returns the buffer size in bytes
func (w *Writer) Capacity() int {
	return len(w.buf)
}

// BitPosition returns the current write position in bits
func (w *Writer) BitPosition() int {
	return w.bitPos
}

// LengthBits returns the number of bits written so far
func (w *Writer) LengthBits() int {
	return w.bitLen
}

// LengthBytes returns the number of bytes touched so far
func (w *Writer) LengthBytes() int {
	return (w.bitLen + 7) / 8
}

// RemainingBytes returns how many whole bytes still fit after the current
// position once it is aligned.
func (w *Writer) RemainingBytes() int {
	return len(w.buf) - (w.bitPos+7)/8
}

// Bytes returns a copy of the written bytes
func (w *Writer) Bytes() []byte {
	out := make([]byte, w.LengthBytes())
	copy(out, w.buf)
	return out
}

func (w *Writer) writeBits(v uint64, n int) {
	if w.err != nil || n == 0 {
		return
	}
	if w.bitPos+n > len(w.buf)*8 {
		w.err = ErrOverflow
		return
	}

	for n > 0 {
		idx := w.bitPos >> 3
		off := w.bitPos & 7
		take := 8 - off
		if take > n {
			take = n
		}
		mask := byte((1<<take)-1) << off
		w.buf[idx] = w.buf[idx]&^mask | byte(v<<off)&mask
		v >>= take
		w.bitPos += take
		n -= take
	}

	if w.bitPos > w.bitLen {
		w.bitLen = w.bitPos
	}
}

// WritePadBits advances to the next byte boundary
func (w *Writer) WritePadBits() {
	if w.err != nil {
		return
	}
	w.bitPos = (w.bitPos + 7) &^ 7
	if w.bitPos > w.bitLen {
		w.bitLen = w.bitPos
	}
}

// WriteBool writes a single bit
func (w *Writer) WriteBool(v bool) {
	if v {
		w.writeBits(1, 1)
	} else {
		w.writeBits(0, 1)
	}
}

// WriteUint8 writes a byte-aligned uint8
func (w *Writer) WriteUint8(v uint8) {
	w.WritePadBits()
	w.writeBits(uint64(v), 8)
}

// WriteUint16 writes a byte-aligned uint16
func (w *Writer) WriteUint16(v uint16) {
	w.WritePadBits()
	w.writeBits(uint64(v), 16)
}

// WriteUint32 writes a byte-aligned uint32
func (w *Writer) WriteUint32(v uint32) {
	w.WritePadBits()
	w.writeBits(uint64(v), 32)
}

// WriteUint64 writes a byte-aligned uint64
func (w *Writer) WriteUint64(v uint64) {
	w.WritePadBits()
	w.writeBits(v, 64)
}

// WriteInt16 writes v reinterpreted as uint16
func (w *Writer) WriteInt16(v int16) {
	w.WriteUint16(uint16(v))
}

// WriteInt32 writes v reinterpreted as uint32
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteInt64 writes v reinterpreted as uint64
func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteFloat32 writes the IEEE-754 bit pattern of v
func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 writes the IEEE-754 bit pattern of v
func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

// WriteVarUint32 writes v seven bits per byte, low groups first, with the
// high bit of each byte flagging a continuation.
func (w *Writer) WriteVarUint32(v uint32) {
	w.WritePadBits()
	for v >= 0x80 {
		w.writeBits(uint64(v|0x80)&0xff, 8)
		v >>= 7
	}
	w.writeBits(uint64(v), 8)
}

// WriteBytes writes raw bytes starting at the next byte boundary
func (w *Writer) WriteBytes(p []byte) {
	w.WritePadBits()
	if w.err != nil {
		return
	}
	if w.bitPos/8+len(p) > len(w.buf) {
		w.err = ErrOverflow
		return
	}
	copy(w.buf[w.bitPos/8:], p)
	w.bitPos += len(p) * 8
	if w.bitPos > w.bitLen {
		w.bitLen = w.bitPos
	}
}

// WriteString writes the UTF-8 bytes of s behind a variable-length prefix
func (w *Writer) WriteString(s string) {
	w.WriteVarUint32(uint32(len(s)))
	w.WriteBytes([]byte(s))
}

// WriteRangedInt packs v-min into the minimum number of bits able to hold
// max-min. v is clamped into [min, max].
func (w *Writer) WriteRangedInt(v, min, max int) {
	if min > max {
		if w.err == nil {
			w.err = ErrBadRange
		}
		return
	}
	if v < min {
		v = min
	} else if v > max {
		v = max
	}
	span := uint64(int64(max) - int64(min))
	w.writeBits(uint64(int64(v)-int64(min)), BitsToHold(span))
}

// WriteRangedFloat quantises v in [min, max] to numBits bits
func (w *Writer) WriteRangedFloat(v, min, max float32, numBits int) {
	if min >= max || numBits <= 0 || numBits > 32 {
		if w.err == nil {
			w.err = ErrBadRange
		}
		return
	}
	unit := (v - min) / (max - min)
	if unit < 0 {
		unit = 0
	} else if unit > 1 {
		unit = 1
	}
	steps := uint64(1)<<numBits - 1
	w.writeBits(uint64(math.Round(float64(unit)*float64(steps))), numBits)
}

// BitsToHold returns the number of bits needed for values in [0, span]
func BitsToHold(span uint64) int {
	return bits.Len64(span)
}
