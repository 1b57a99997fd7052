package bitmsg

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	w := NewWriter(256)
	w.WriteBool(true)
	w.WriteUint8(0xAB)
	w.WriteBool(false)
	w.WriteBool(true)
	w.WriteUint16(0xBEEF)
	w.WriteUint32(0xDEADBEEF)
	w.WriteUint64(math.MaxUint64 - 7)
	w.WriteInt16(-1234)
	w.WriteInt32(-123456)
	w.WriteInt64(math.MinInt64)
	w.WriteFloat32(3.5)
	w.WriteFloat64(-0.125)
	w.WriteString("héllo")
	w.WriteBytes([]byte{1, 2, 3})
	require.NoError(t, w.Err())

	r := NewReader(w.Bytes())
	assert.True(t, r.ReadBool())
	assert.Equal(t, uint8(0xAB), r.ReadUint8())
	assert.False(t, r.ReadBool())
	assert.True(t, r.ReadBool())
	assert.Equal(t, uint16(0xBEEF), r.ReadUint16())
	assert.Equal(t, uint32(0xDEADBEEF), r.ReadUint32())
	assert.Equal(t, uint64(math.MaxUint64-7), r.ReadUint64())
	assert.Equal(t, int16(-1234), r.ReadInt16())
	assert.Equal(t, int32(-123456), r.ReadInt32())
	assert.Equal(t, int64(math.MinInt64), r.ReadInt64())
	assert.Equal(t, float32(3.5), r.ReadFloat32())
	assert.Equal(t, -0.125, r.ReadFloat64())
	assert.Equal(t, "héllo", r.ReadString())
	assert.Equal(t, []byte{1, 2, 3}, r.ReadBytes(3))
	assert.NoError(t, r.Err())
}

func TestBitOrderAndAlignment(t *testing.T) {
	w := NewWriter(8)
	w.WriteBool(true)
	w.WriteBool(false)
	w.WriteBool(true)
	// aligns to byte 1
	w.WriteUint16(0x0102)
	require.NoError(t, w.Err())

	assert.Equal(t, []byte{0x05, 0x02, 0x01}, w.Bytes())
	assert.Equal(t, 24, w.LengthBits())
}

func TestRangedInt(t *testing.T) {
	tests := []struct {
		name     string
		value    int
		min, max int
		want     int
		bits     int
	}{
		{"middle", 50, 0, 100, 50, 7},
		{"negative range", -3, -8, 7, -3, 4},
		{"clamped high", 500, 0, 100, 100, 7},
		{"clamped low", -5, 0, 100, 0, 7},
		{"single value", 9, 9, 9, 9, 0},
		{"full int32", math.MinInt32, math.MinInt32, math.MaxInt32, math.MinInt32, 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter(16)
			w.WriteRangedInt(tt.value, tt.min, tt.max)
			require.NoError(t, w.Err())
			if w.LengthBits() != tt.bits {
				t.Errorf("LengthBits() = %d, want %d", w.LengthBits(), tt.bits)
			}

			r := NewReader(w.Bytes())
			if got := r.ReadRangedInt(tt.min, tt.max); got != tt.want {
				t.Errorf("ReadRangedInt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRangedFloat(t *testing.T) {
	w := NewWriter(16)
	w.WriteRangedFloat(0.5, 0, 1, 8)
	w.WriteRangedFloat(-20, -10, 10, 12)
	w.WriteRangedFloat(3.3, -10, 10, 12)
	require.NoError(t, w.Err())
	assert.Equal(t, 32, w.LengthBits())

	r := NewReader(w.Bytes())
	assert.InDelta(t, 0.5, r.ReadRangedFloat(0, 1, 8), 1.0/255)
	assert.InDelta(t, -10, r.ReadRangedFloat(-10, 10, 12), 0.001)
	assert.InDelta(t, 3.3, r.ReadRangedFloat(-10, 10, 12), 20.0/4095)
	assert.NoError(t, r.Err())
}

func TestBadRange(t *testing.T) {
	w := NewWriter(16)
	w.WriteRangedInt(1, 10, 0)
	assert.ErrorIs(t, w.Err(), ErrBadRange)

	w = NewWriter(16)
	w.WriteRangedFloat(1, 0, 1, 40)
	assert.ErrorIs(t, w.Err(), ErrBadRange)
}

func TestVarUint32(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 300, 16384, math.MaxUint32} {
		w := NewWriter(8)
		w.WriteVarUint32(v)
		require.NoError(t, w.Err())
		r := NewReader(w.Bytes())
		if got := r.ReadVarUint32(); got != v {
			t.Errorf("ReadVarUint32() = %d, want %d", got, v)
		}
	}

	// 127 fits one byte, 128 needs two
	w := NewWriter(8)
	w.WriteVarUint32(128)
	assert.Equal(t, []byte{0x80, 0x01}, w.Bytes())
}

func TestVarUint32RejectsOverlongFinalGroup(t *testing.T) {
	r := NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x0f})
	assert.Equal(t, uint32(math.MaxUint32), r.ReadVarUint32())
	require.NoError(t, r.Err())

	// bits 32 and up do not fit a uint32
	for _, last := range []byte{0x10, 0x1f, 0x70} {
		r := NewReader([]byte{0xff, 0xff, 0xff, 0xff, last, 0x2a})
		assert.Equal(t, uint32(0), r.ReadVarUint32())
		assert.ErrorIs(t, r.Err(), ErrShortRead)
		assert.Equal(t, uint8(0), r.ReadUint8())
	}

	r = NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x10})
	r.ReadVarUint32()
	assert.ErrorIs(t, r.Err(), ErrShortRead)
}

func TestWriterOverflowIsSticky(t *testing.T) {
	w := NewWriter(3)
	w.WriteUint16(1)
	w.WriteUint16(2)
	assert.True(t, errors.Is(w.Err(), ErrOverflow))

	w.WriteBool(true)
	assert.Equal(t, 16, w.LengthBits())
	assert.ErrorIs(t, w.Err(), ErrOverflow)

	w.Reset()
	assert.NoError(t, w.Err())
	assert.Equal(t, 0, w.LengthBytes())
	w.WriteBytes([]byte{9, 9, 9})
	assert.NoError(t, w.Err())
	assert.Equal(t, 0, w.RemainingBytes())
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader([]byte{0x01})
	assert.Equal(t, uint16(0), r.ReadUint16())
	assert.ErrorIs(t, r.Err(), ErrShortRead)
	assert.Equal(t, 0, r.RemainingBits())

	r = NewReader([]byte{0x05, 'a', 'b'})
	assert.Equal(t, "", r.ReadString())
	assert.ErrorIs(t, r.Err(), ErrShortRead)

	r = NewReader([]byte{1, 2})
	r.SeekBit(99)
	assert.ErrorIs(t, r.Err(), ErrShortRead)
}

func TestSeekAndSkip(t *testing.T) {
	w := NewWriter(16)
	w.WriteUint8(1)
	w.WriteBytes([]byte{7, 7, 7})
	w.WriteUint8(2)

	r := NewReader(w.Bytes())
	assert.Equal(t, uint8(1), r.ReadUint8())
	mark := r.BitPosition()
	r.SkipBytes(3)
	assert.Equal(t, uint8(2), r.ReadUint8())

	r.SeekBit(mark)
	assert.Equal(t, []byte{7, 7, 7}, r.ReadBytes(3))
	assert.NoError(t, r.Err())
}

func TestCompress(t *testing.T) {
	small := []byte("tiny")
	out, compressed, err := Compress(small, CompressionThreshold)
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, small, out)

	big := []byte(strings.Repeat("door opened ", 200))
	out, compressed, err = Compress(big, CompressionThreshold)
	require.NoError(t, err)
	require.True(t, compressed)
	assert.Less(t, len(out), len(big))

	back, err := Decompress(out, 4096)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(big, back))

	_, err = Decompress(out, 100)
	assert.ErrorIs(t, err, ErrDecompressedTooLarge)
}
