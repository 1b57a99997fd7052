package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header *Header
	}{
		{
			name: "data header",
			header: &Header{
				Magic:    ProtocolMagic,
				Version:  ProtocolVersion,
				Type:     MsgTypeData,
				Length:   1024,
				Flags:    FlagReliable,
				Sequence: 42,
			},
		},
		{
			name: "header with multiple flags",
			header: &Header{
				Magic:    ProtocolMagic,
				Version:  ProtocolVersion,
				Type:     MsgTypeData,
				Length:   2048,
				Flags:    FlagReliable | FlagCompressed,
				Sequence: 0xFFFFFFFF,
			},
		},
		{
			name: "header with zero length",
			header: &Header{
				Magic:   ProtocolMagic,
				Version: ProtocolVersion,
				Type:    MsgTypePing,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.header.Encode()

			if len(encoded) != HeaderSize {
				t.Errorf("Encode() length = %d, want %d", len(encoded), HeaderSize)
			}

			decoded := &Header{}
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if *decoded != *tt.header {
				t.Errorf("Decode() = %+v, want %+v", decoded, tt.header)
			}
		})
	}
}

func TestHeaderDecodeTooShort(t *testing.T) {
	header := &Header{}
	err := header.Decode(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Decode() error = %v, want %v", err, ErrInvalidHeader)
	}
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name    string
		header  *Header
		wantErr error
	}{
		{
			name:    "valid header",
			header:  &Header{Magic: ProtocolMagic, Version: ProtocolVersion},
			wantErr: nil,
		},
		{
			name:    "invalid magic",
			header:  &Header{Magic: 0x12345678, Version: ProtocolVersion},
			wantErr: ErrInvalidMagic,
		},
		{
			name:    "invalid version",
			header:  &Header{Magic: ProtocolMagic, Version: 0x9999},
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "oversized frame",
			header:  &Header{Magic: ProtocolMagic, Version: ProtocolVersion, Length: MaxFrameSize + 1},
			wantErr: ErrFrameTooLarge,
		},
		{
			name:    "both invalid",
			header:  &Header{Magic: 0xFFFFFFFF, Version: 0xFFFF},
			wantErr: ErrInvalidMagic, // magic is checked first
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.header.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHeaderFlags(t *testing.T) {
	header := &Header{}

	header.SetFlag(FlagCompressed)
	if !header.HasFlag(FlagCompressed) {
		t.Error("HasFlag(FlagCompressed) = false after SetFlag, want true")
	}
	if header.HasFlag(FlagReliable) {
		t.Error("HasFlag(FlagReliable) = true for unset flag")
	}

	header.SetFlag(FlagReliable)
	header.ClearFlag(FlagCompressed)
	if header.HasFlag(FlagCompressed) {
		t.Error("HasFlag(FlagCompressed) = true after ClearFlag, want false")
	}
	if !header.HasFlag(FlagReliable) {
		t.Error("HasFlag(FlagReliable) = false, want true")
	}
}

func TestReadWriteHeader(t *testing.T) {
	original := &Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgTypeHandshake,
		Length:  12,
	}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, original); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}

	read, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if *read != *original {
		t.Errorf("ReadHeader() = %+v, want %+v", read, original)
	}

	bad := &Header{Magic: 1, Version: ProtocolVersion}
	if _, err := ReadHeader(bytes.NewReader(bad.Encode())); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("ReadHeader() error = %v, want %v", err, ErrInvalidMagic)
	}
}

func TestReadFrame(t *testing.T) {
	var stream bytes.Buffer
	first := NewPacket(MsgTypeData, []byte{1, 2, 3})
	second := NewPacket(MsgTypePing, nil)
	stream.Write(first.Encode())
	stream.Write(second.Encode())

	frame, err := ReadFrame(&stream)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	pkt, err := DecodePacket(frame)
	if err != nil {
		t.Fatalf("DecodePacket() error = %v", err)
	}
	if pkt.Header.Type != MsgTypeData || !bytes.Equal(pkt.Payload, []byte{1, 2, 3}) {
		t.Errorf("first frame = %+v, payload %v", pkt.Header, pkt.Payload)
	}

	frame, err = ReadFrame(&stream)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if len(frame) != HeaderSize {
		t.Errorf("ping frame length = %d, want %d", len(frame), HeaderSize)
	}

	if _, err := ReadFrame(&stream); err != io.EOF {
		t.Errorf("ReadFrame() on drained stream error = %v, want EOF", err)
	}

	truncated := first.Encode()[:HeaderSize+1]
	if _, err := ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame() truncated error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestDecodePacketLengthMismatch(t *testing.T) {
	buf := NewPacket(MsgTypeData, []byte{1, 2, 3}).Encode()
	if _, err := DecodePacket(buf[:len(buf)-1]); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("DecodePacket() error = %v, want %v", err, ErrLengthMismatch)
	}
}
