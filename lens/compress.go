package lens

import (
	"fmt"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Payload encodings accepted by the monitor server, sent as the Content-Encoding header.
const (
	EncodingZstd     = "zstd"
	EncodingSnappy   = "snappy"
	EncodingIdentity = "identity"
)

// ZstdCompress compresses a byte slice using zstd and returns the compressed data.
func ZstdCompress(dst, data []byte) []byte {
	encOpts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedFastest), // event batches are small and sent inline with tracing
	}
	if len(data) > 1024*1024*16 {
		encOpts = append(encOpts, zstd.WithEncoderConcurrency(max(1, runtime.NumCPU()/2)))
	}
	encoder, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		panic(err) // theoretically not possible
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, dst)
}

// ZstdDecompress decompresses a zstd-compressed byte slice and returns the original data.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, dst)
}

// SnappyCompress compresses a byte slice using snappy and returns the compressed data.
func SnappyCompress(dst, data []byte) []byte {
	return s2.EncodeSnappyBest(dst, data)
}

// SnappyDecompress decompresses a snappy-compressed byte slice and returns the decompressed data.
func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}

// compressPayload encodes data with the named encoding.
func compressPayload(encoding string, data []byte) ([]byte, error) {
	switch encoding {
	case EncodingZstd:
		return ZstdCompress(nil, data), nil
	case EncodingSnappy:
		return SnappyCompress(nil, data), nil
	case EncodingIdentity, "":
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported payload encoding: %s", encoding)
	}
}

// decompressPayload reverses compressPayload.
func decompressPayload(encoding string, data []byte) ([]byte, error) {
	switch encoding {
	case EncodingZstd:
		return ZstdDecompress(nil, data)
	case EncodingSnappy:
		return SnappyDecompress(nil, data)
	case EncodingIdentity, "":
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported payload encoding: %s", encoding)
	}
}
