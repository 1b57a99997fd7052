package bitmsg

import (
	"math"
)

// Reader is the inverse of Writer. Reads past the end return zero values and
// latch ErrShortRead.
type Reader struct {
	buf    []byte
	bitPos int
	bitLen int
	err    error
}

// NewReader wraps data without copying it
func NewReader(data []byte) *Reader {
	return &Reader{buf: data, bitLen: len(data) * 8}
}

// Err returns the first short read encountered, if any
func (r *Reader) Err() error {
	return r.err
}

// BitPosition returns the current read position in bits
func (r *Reader) BitPosition() int {
	return r.bitPos
}

// LengthBits returns the readable length in bits
func (r *Reader) LengthBits() int {
	return r.bitLen
}

// RemainingBits returns the number of unread bits
func (r *Reader) RemainingBits() int {
	return r.bitLen - r.bitPos
}

// SeekBit moves the read position. Positions outside the buffer latch
// ErrShortRead and park the reader at the end.
func (r *Reader) SeekBit(pos int) {
	if pos < 0 || pos > r.bitLen {
		r.fail()
		return
	}
	r.bitPos = pos
}

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrShortRead
	}
	r.bitPos = r.bitLen
}

func (r *Reader) readBits(n int) uint64 {
	if r.err != nil || n == 0 {
		return 0
	}
	if r.bitPos+n > r.bitLen {
		r.fail()
		return 0
	}

	var v uint64
	shift := 0
	for n > 0 {
		idx := r.bitPos >> 3
		off := r.bitPos & 7
		take := 8 - off
		if take > n {
			take = n
		}
		chunk := uint64(r.buf[idx]>>off) & (1<<take - 1)
		v |= chunk << shift
		shift += take
		r.bitPos += take
		n -= take
	}
	return v
}

// ReadPadBits advances to the next byte boundary
func (r *Reader) ReadPadBits() {
	pos := (r.bitPos + 7) &^ 7
	if pos > r.bitLen {
		r.fail()
		return
	}
	r.bitPos = pos
}

// ReadBool reads a single bit
func (r *Reader) ReadBool() bool {
	return r.readBits(1) == 1
}

// ReadUint8 reads a byte-aligned uint8
func (r *Reader) ReadUint8() uint8 {
	r.ReadPadBits()
	return uint8(r.readBits(8))
}

// ReadUint16 reads a byte-aligned uint16
func (r *Reader) ReadUint16() uint16 {
	r.ReadPadBits()
	return uint16(r.readBits(16))
}

// ReadUint32 reads a byte-aligned uint32
func (r *Reader) ReadUint32() uint32 {
	r.ReadPadBits()
	return uint32(r.readBits(32))
}

// ReadUint64 reads a byte-aligned uint64
func (r *Reader) ReadUint64() uint64 {
	r.ReadPadBits()
	return r.readBits(64)
}

// ReadInt16 reads a uint16 and reinterprets it as int16
func (r *Reader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 reads a uint32 and reinterprets it as int32
func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

// ReadInt64 reads a uint64 and reinterprets it as int64
func (r *Reader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

// ReadFloat32 reads an IEEE-754 single
func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

// ReadFloat64 reads an IEEE-754 double
func (r *Reader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

// ReadVarUint32 reads a value written by WriteVarUint32
func (r *Reader) ReadVarUint32() uint32 {
	r.ReadPadBits()
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		chunk := r.readBits(8)
		if r.err != nil {
			return 0
		}
		// the fifth group only has room for the top four bits
		if shift == 28 && chunk&0x70 != 0 {
			r.fail()
			return 0
		}
		v |= uint32(chunk&0x7f) << shift
		if chunk&0x80 == 0 {
			return v
		}
	}
	// more than five groups cannot be a uint32
	r.fail()
	return 0
}

// ReadBytes reads n raw bytes starting at the next byte boundary
func (r *Reader) ReadBytes(n int) []byte {
	r.ReadPadBits()
	if r.err != nil {
		return nil
	}
	if n < 0 || r.bitPos+n*8 > r.bitLen {
		r.fail()
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.bitPos/8:])
	r.bitPos += n * 8
	return out
}

// SkipBytes advances n bytes from the next byte boundary
func (r *Reader) SkipBytes(n int) {
	r.ReadPadBits()
	if n < 0 || r.bitPos+n*8 > r.bitLen {
		r.fail()
		return
	}
	r.bitPos += n * 8
}

// ReadString reads a value written by WriteString
func (r *Reader) ReadString() string {
	n := r.ReadVarUint32()
	if r.err != nil {
		return ""
	}
	if n > MaxStringLength {
		r.fail()
		return ""
	}
	return string(r.ReadBytes(int(n)))
}

// ReadRangedInt reads a value written by WriteRangedInt with the same bounds
func (r *Reader) ReadRangedInt(min, max int) int {
	if min > max {
		if r.err == nil {
			r.err = ErrBadRange
		}
		return min
	}
	span := uint64(int64(max) - int64(min))
	return int(int64(min) + int64(r.readBits(BitsToHold(span))))
}

// ReadRangedFloat reads a value written by WriteRangedFloat with the same
// bounds and bit count
func (r *Reader) ReadRangedFloat(min, max float32, numBits int) float32 {
	if min >= max || numBits <= 0 || numBits > 32 {
		if r.err == nil {
			r.err = ErrBadRange
		}
		return min
	}
	steps := uint64(1)<<numBits - 1
	q := r.readBits(numBits)
	return min + (max-min)*float32(float64(q)/float64(steps))
}
