package artifact

import (
	"crypto/sha256"
	"encoding/hex"

	"memvault/internal/config"
)

// Encoded is an artifact ready to be stored
type Encoded struct {
	Data         []byte
	Compression  string
	Encrypted    bool
	Checksum     string
	OriginalSize int64
}

// Codec compresses then encrypts artifacts on the way to storage and
// reverses both steps on the way back
type Codec struct {
	compression *CompressionManager
	algorithm   string
	level       int
	encryptor   Encryptor
}

// NewCodec builds a codec from configuration
func NewCodec(comp config.CompressionConfig, enc config.EncryptionConfig) (*Codec, error) {
	encryptor, err := NewEncryptor(enc)
	if err != nil {
		return nil, err
	}
	return NewCodecWith(comp.Algorithm, comp.Level, encryptor), nil
}

// NewCodecWith builds a codec from explicit parts. encryptor may be nil.
func NewCodecWith(algorithm string, level int, encryptor Encryptor) *Codec {
	return &Codec{
		compression: NewCompressionManager(),
		algorithm:   algorithm,
		level:       level,
		encryptor:   encryptor,
	}
}

// Encrypting reports whether encoded artifacts are encrypted
func (c *Codec) Encrypting() bool {
	return c.encryptor != nil
}

// Algorithm is the compression algorithm applied when compression is requested
func (c *Codec) Algorithm() string {
	return c.algorithm
}

// Encode compresses (when compress is set) and encrypts data. The checksum
// covers the final bytes, so verification never needs the key.
func (c *Codec) Encode(data []byte, compress bool) (*Encoded, error) {
	out := &Encoded{OriginalSize: int64(len(data))}
	payload := data

	if compress && c.algorithm != CompressionNone {
		compressed, err := c.compression.Compress(payload, c.algorithm, c.level)
		if err != nil {
			return nil, err
		}
		payload = compressed
		out.Compression = c.algorithm
	}

	if c.encryptor != nil {
		sealed, err := c.encryptor.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = sealed
		out.Encrypted = true
	}

	out.Data = payload
	out.Checksum = Checksum(payload)
	return out, nil
}

// Decode reverses Encode for an artifact stored with the given compression
// and encryption flags
func (c *Codec) Decode(data []byte, compression string, encrypted bool) ([]byte, error) {
	payload := data
	if encrypted {
		if c.encryptor == nil {
			return nil, errEncryptionNotConfigured
		}
		plain, err := c.encryptor.Decrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = plain
	}
	return c.compression.Decompress(payload, compression)
}

// Checksum is the hex sha256 of data
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
