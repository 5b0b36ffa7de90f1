package artifact

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"golang.org/x/crypto/pbkdf2"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2SaltSize   = 16
	aesKeySize       = 32
)

// Encryptor seals and opens whole artifacts
type Encryptor interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
	Algorithm() string
}

// NewEncryptor builds the encryptor selected by cfg, or nil when encryption
// is disabled
func NewEncryptor(cfg config.EncryptionConfig) (Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Mode {
	case "age":
		return NewAgeEncryptor(cfg.Recipients, cfg.IdentityPath)
	case "aes-gcm", "":
		return NewAESEncryptor(cfg)
	default:
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("invalid encryption mode: %s", cfg.Mode), nil)
	}
}

// AESEncryptor implements AES-256-GCM. With a raw key the output is
// nonce||ciphertext; with a passphrase it is salt||nonce||ciphertext and the
// key is derived with PBKDF2-SHA256.
type AESEncryptor struct {
	key        []byte
	passphrase string
}

// NewAESEncryptor loads the key or passphrase named by cfg
func NewAESEncryptor(cfg config.EncryptionConfig) (*AESEncryptor, error) {
	switch cfg.KeySource {
	case "env":
		key, err := LoadKeyFromEnv(cfg.KeyEnvVar)
		if err != nil {
			return nil, err
		}
		return &AESEncryptor{key: key}, nil
	case "file":
		key, err := LoadKeyFromFile(cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		return &AESEncryptor{key: key}, nil
	case "passphrase":
		passphrase := os.Getenv(cfg.KeyEnvVar)
		if passphrase == "" {
			return nil, apperrors.NewConfigurationError(fmt.Sprintf("environment variable %s not set", cfg.KeyEnvVar), nil)
		}
		return &AESEncryptor{passphrase: passphrase}, nil
	default:
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("invalid key source: %s", cfg.KeySource), nil)
	}
}

// NewAESEncryptorWithKey creates an encryptor from a raw 32-byte key
func NewAESEncryptorWithKey(key []byte) (*AESEncryptor, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return &AESEncryptor{key: key}, nil
}

// NewAESEncryptorWithPassphrase creates a passphrase-based encryptor
func NewAESEncryptorWithPassphrase(passphrase string) *AESEncryptor {
	return &AESEncryptor{passphrase: passphrase}
}

func (e *AESEncryptor) Algorithm() string { return "AES-256-GCM" }

func (e *AESEncryptor) Encrypt(data []byte) ([]byte, error) {
	var prefix []byte
	key := e.key
	if e.passphrase != "" {
		salt := make([]byte, pbkdf2SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, apperrors.NewStorageError("failed to generate salt", err)
		}
		key = deriveKey(e.passphrase, salt)
		prefix = salt
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperrors.NewStorageError("failed to generate nonce", err)
	}

	out := append(prefix, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

func (e *AESEncryptor) Decrypt(data []byte) ([]byte, error) {
	key := e.key
	if e.passphrase != "" {
		if len(data) < pbkdf2SaltSize {
			return nil, apperrors.NewStorageError("encrypted data too short", nil)
		}
		key = deriveKey(e.passphrase, data[:pbkdf2SaltSize])
		data = data[pbkdf2SaltSize:]
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, apperrors.NewStorageError("encrypted data too short", nil)
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to decrypt data", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeySize, sha256.New)
}

// GenerateKey returns a random 256-bit key
func GenerateKey() ([]byte, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, apperrors.NewStorageError("failed to generate encryption key", err)
	}
	return key, nil
}

// LoadKeyFromFile reads a raw 32-byte key
func LoadKeyFromFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to read key from file", err)
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadKeyFromEnv reads a hex-encoded 32-byte key
func LoadKeyFromEnv(envVar string) ([]byte, error) {
	hexKey := strings.TrimSpace(os.Getenv(envVar))
	if hexKey == "" {
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("environment variable %s not set", envVar), nil)
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to decode hex key from environment variable", err)
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey rejects keys of the wrong size and trivially weak keys
func ValidateKey(key []byte) error {
	if len(key) != aesKeySize {
		return apperrors.NewConfigurationError("key must be 32 bytes for AES-256", nil)
	}

	allZeros, allOnes := true, true
	for _, b := range key {
		if b != 0 {
			allZeros = false
		}
		if b != 0xFF {
			allOnes = false
		}
	}
	if allZeros || allOnes {
		return apperrors.NewConfigurationError("key is trivially weak", nil)
	}
	return nil
}

// AgeEncryptor encrypts to X25519 recipients. Decryption needs the identity
// file, so hosts that only write backups can run without the private key.
type AgeEncryptor struct {
	recipients   []age.Recipient
	identityPath string
}

// NewAgeEncryptor parses the recipients; the identity is loaded lazily on decrypt
func NewAgeEncryptor(recipients []string, identityPath string) (*AgeEncryptor, error) {
	if len(recipients) == 0 {
		return nil, apperrors.NewConfigurationError("at least one age recipient is required", nil)
	}

	parsed, err := age.ParseRecipients(strings.NewReader(strings.Join(recipients, "\n")))
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to parse age recipients", err)
	}
	return &AgeEncryptor{recipients: parsed, identityPath: identityPath}, nil
}

func (e *AgeEncryptor) Algorithm() string { return "age-X25519" }

func (e *AgeEncryptor) Encrypt(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipients...)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create encrypted writer", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, apperrors.NewStorageError("failed to encrypt data", err)
	}
	if err := w.Close(); err != nil {
		return nil, apperrors.NewStorageError("failed to finalize encryption", err)
	}
	return buf.Bytes(), nil
}

func (e *AgeEncryptor) Decrypt(data []byte) ([]byte, error) {
	if e.identityPath == "" {
		return nil, apperrors.NewConfigurationError("age identity path is required to decrypt artifacts", nil)
	}

	keyData, err := os.ReadFile(e.identityPath)
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to read age identity", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to parse age identity", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identities...)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to decrypt data", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read decrypted data", err)
	}
	return out, nil
}
