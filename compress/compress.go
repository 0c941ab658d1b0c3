package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec identifies a compression algorithm.
type Codec string

const (
	// CodecGzip is standard DEFLATE-based gzip compression.
	CodecGzip Codec = "gzip"
	// CodecZstd is Zstandard compression, faster than gzip at similar ratios.
	CodecZstd Codec = "zstd"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Gzip compresses data using gzip.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to gzip data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to gzip data: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses gzip data.
func Gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to gunzip data: %w", err)
	}
	return out, nil
}

// Compress compresses data with the given codec.
func Compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecGzip, "":
		return Gzip(data)
	case CodecZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression codec: %s", codec)
	}
}

// Decompress decompresses data with the given codec.
func Decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecGzip, "":
		return Gunzip(data)
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress zstd data: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression codec: %s", codec)
	}
}
