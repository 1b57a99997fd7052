package bitmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// CompressionThreshold is the payload size above which Compress deflates
const CompressionThreshold = 1000

var ErrDecompressedTooLarge = errors.New("bitmsg: decompressed payload exceeds limit")

// Compress deflates data when it is larger than threshold and deflating
// actually shrinks it. The boolean reports whether the result is compressed.
func Compress(data []byte, threshold int) ([]byte, bool, error) {
	if len(data) <= threshold {
		return data, false, nil
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, false, fmt.Errorf("failed to deflate payload: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to flush deflate writer: %w", err)
	}

	if buf.Len() >= len(data) {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress inflates data produced by Compress, refusing output beyond limit
func Decompress(data []byte, limit int) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()

	out, err := io.ReadAll(io.LimitReader(fr, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate payload: %w", err)
	}
	if len(out) > limit {
		return nil, ErrDecompressedTooLarge
	}
	return out, nil
}
