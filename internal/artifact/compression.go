package artifact

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	apperrors "memvault/internal/errors"
)

// Compression algorithms. The name doubles as the artifact file extension.
const (
	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// Compressor compresses and decompresses whole artifacts
type Compressor interface {
	Compress(data []byte, level int) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() string
	DefaultLevel() int
	MinLevel() int
	MaxLevel() int
}

// CompressionManager dispatches to the registered compressors
type CompressionManager struct {
	compressors map[string]Compressor
}

// NewCompressionManager registers gzip, lz4 and zstd
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{compressors: make(map[string]Compressor)}
	for _, c := range []Compressor{&GzipCompressor{}, &LZ4Compressor{}, &ZstdCompressor{}} {
		cm.compressors[c.Algorithm()] = c
	}
	return cm
}

// Compress compresses data. Out-of-range levels fall back to the
// algorithm's default.
func (cm *CompressionManager) Compress(data []byte, algorithm string, level int) ([]byte, error) {
	if algorithm == CompressionNone {
		return data, nil
	}

	c, err := cm.compressor(algorithm)
	if err != nil {
		return nil, err
	}
	if level < c.MinLevel() || level > c.MaxLevel() {
		level = c.DefaultLevel()
	}
	return c.Compress(data, level)
}

// Decompress reverses Compress
func (cm *CompressionManager) Decompress(data []byte, algorithm string) ([]byte, error) {
	if algorithm == CompressionNone {
		return data, nil
	}

	c, err := cm.compressor(algorithm)
	if err != nil {
		return nil, err
	}
	return c.Decompress(data)
}

func (cm *CompressionManager) compressor(algorithm string) (Compressor, error) {
	c, ok := cm.compressors[strings.ToLower(algorithm)]
	if !ok {
		return nil, apperrors.NewInvalidArgument(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return c, nil
}

// GzipCompressor implements gzip compression
type GzipCompressor struct{}

func (gc *GzipCompressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create gzip writer", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, apperrors.NewStorageError("failed to write data to gzip writer", err)
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.NewStorageError("failed to close gzip writer", err)
	}
	return buf.Bytes(), nil
}

func (gc *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create gzip reader", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to decompress gzip data", err)
	}
	return out, nil
}

func (gc *GzipCompressor) Algorithm() string { return CompressionGzip }
func (gc *GzipCompressor) DefaultLevel() int { return 6 }
func (gc *GzipCompressor) MinLevel() int     { return gzip.BestSpeed }
func (gc *GzipCompressor) MaxLevel() int     { return gzip.BestCompression }

// LZ4Compressor implements LZ4 frame compression
type LZ4Compressor struct{}

func (lc *LZ4Compressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)

	// LZ4 only distinguishes fast from high compression
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, apperrors.NewStorageError("failed to set LZ4 high compression", err)
		}
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, apperrors.NewStorageError("failed to write data to LZ4 writer", err)
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.NewStorageError("failed to close LZ4 writer", err)
	}
	return buf.Bytes(), nil
}

func (lc *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, apperrors.NewStorageError("failed to decompress LZ4 data", err)
	}
	return out, nil
}

func (lc *LZ4Compressor) Algorithm() string { return CompressionLZ4 }
func (lc *LZ4Compressor) DefaultLevel() int { return 1 }
func (lc *LZ4Compressor) MinLevel() int     { return 1 }
func (lc *LZ4Compressor) MaxLevel() int     { return 12 }

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (zc *ZstdCompressor) Compress(data []byte, level int) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create zstd encoder", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zc *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create zstd decoder", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to decompress zstd data", err)
	}
	return out, nil
}

func (zc *ZstdCompressor) Algorithm() string { return CompressionZstd }
func (zc *ZstdCompressor) DefaultLevel() int { return 3 }
func (zc *ZstdCompressor) MinLevel() int     { return 1 }
func (zc *ZstdCompressor) MaxLevel() int     { return 22 }
