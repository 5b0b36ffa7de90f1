package artifact

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

func sampleData() []byte {
	return bytes.Repeat([]byte("memory record payload with some repetition "), 200)
}

func TestCompressionManager_RoundTrip(t *testing.T) {
	cm := NewCompressionManager()
	data := sampleData()

	for _, alg := range []string{CompressionGzip, CompressionLZ4, CompressionZstd} {
		t.Run(alg, func(t *testing.T) {
			compressed, err := cm.Compress(data, alg, 0)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(data))

			out, err := cm.Decompress(compressed, alg)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestCompressionManager_None(t *testing.T) {
	cm := NewCompressionManager()
	data := []byte("plain")

	out, err := cm.Compress(data, CompressionNone, 0)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCompressionManager_UnknownAlgorithm(t *testing.T) {
	cm := NewCompressionManager()

	_, err := cm.Compress([]byte("x"), "brotli", 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
}

func TestAESEncryptor_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewAESEncryptorWithKey(key)
	require.NoError(t, err)

	data := sampleData()
	sealed, err := enc.Encrypt(data)
	require.NoError(t, err)
	assert.NotEqual(t, data, sealed)

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, data, opened)

	other, err := GenerateKey()
	require.NoError(t, err)
	wrong, err := NewAESEncryptorWithKey(other)
	require.NoError(t, err)
	_, err = wrong.Decrypt(sealed)
	assert.Error(t, err)
}

func TestAESEncryptor_Passphrase(t *testing.T) {
	enc := NewAESEncryptorWithPassphrase("correct horse battery staple")

	sealed, err := enc.Encrypt([]byte("secret"))
	require.NoError(t, err)

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), opened)

	_, err = NewAESEncryptorWithPassphrase("wrong").Decrypt(sealed)
	assert.Error(t, err)

	_, err = enc.Decrypt([]byte("short"))
	assert.Error(t, err)
}

func TestValidateKey(t *testing.T) {
	assert.Error(t, ValidateKey(make([]byte, 16)))
	assert.Error(t, ValidateKey(make([]byte, 32)))
	assert.Error(t, ValidateKey(bytes.Repeat([]byte{0xFF}, 32)))

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	assert.NoError(t, ValidateKey(key))
}

func TestNewEncryptor_FromEnvironment(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	t.Setenv("MEMVAULT_TEST_KEY", hex.EncodeToString(key))

	enc, err := NewEncryptor(config.EncryptionConfig{
		Enabled:   true,
		Mode:      "aes-gcm",
		KeySource: "env",
		KeyEnvVar: "MEMVAULT_TEST_KEY",
	})
	require.NoError(t, err)
	require.NotNil(t, enc)
	assert.Equal(t, "AES-256-GCM", enc.Algorithm())

	disabled, err := NewEncryptor(config.EncryptionConfig{})
	require.NoError(t, err)
	assert.Nil(t, disabled)

	_, err = NewEncryptor(config.EncryptionConfig{Enabled: true, KeySource: "env", KeyEnvVar: "MEMVAULT_UNSET_KEY"})
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}

func TestAgeEncryptor_RoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	identityPath := filepath.Join(t.TempDir(), "identity.txt")
	require.NoError(t, os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600))

	enc, err := NewAgeEncryptor([]string{identity.Recipient().String()}, identityPath)
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte("graph snapshot"))
	require.NoError(t, err)
	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("graph snapshot"), opened)

	writeOnly, err := NewAgeEncryptor([]string{identity.Recipient().String()}, "")
	require.NoError(t, err)
	_, err = writeOnly.Decrypt(sealed)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))

	_, err = NewAgeEncryptor(nil, "")
	assert.Error(t, err)
}

func TestCodec_EncodeDecode(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	aes, err := NewAESEncryptorWithKey(key)
	require.NoError(t, err)

	tests := []struct {
		name      string
		codec     *Codec
		compress  bool
		wantComp  string
		encrypted bool
	}{
		{name: "plain", codec: NewCodecWith(CompressionZstd, 0, nil)},
		{name: "compressed", codec: NewCodecWith(CompressionZstd, 0, nil), compress: true, wantComp: CompressionZstd},
		{name: "encrypted", codec: NewCodecWith(CompressionGzip, 0, aes), encrypted: true},
		{name: "compressed and encrypted", codec: NewCodecWith(CompressionLZ4, 0, aes), compress: true, wantComp: CompressionLZ4, encrypted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := sampleData()
			enc, err := tt.codec.Encode(data, tt.compress)
			require.NoError(t, err)

			assert.Equal(t, tt.wantComp, enc.Compression)
			assert.Equal(t, tt.encrypted, enc.Encrypted)
			assert.Equal(t, int64(len(data)), enc.OriginalSize)
			assert.Equal(t, Checksum(enc.Data), enc.Checksum)

			out, err := tt.codec.Decode(enc.Data, enc.Compression, enc.Encrypted)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestCodec_DecodeEncryptedWithoutKey(t *testing.T) {
	codec := NewCodecWith(CompressionNone, 0, nil)

	_, err := codec.Decode([]byte("sealed"), CompressionNone, true)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}
