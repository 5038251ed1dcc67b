// Package phi encrypts patient health information before it reaches storage.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// sealedPrefix marks a value produced by AESCipher so that rows written
// before encryption was enabled still read back as plaintext.
const sealedPrefix = "enc:v1:"

var ErrCiphertext = errors.New("phi: malformed ciphertext")

// FieldCipher encrypts and decrypts single column values.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
}

// AESCipher is AES-256-GCM with a random nonce prepended to each value.
type AESCipher struct {
	aead cipher.AEAD
}

func NewAESCipher(key []byte) (*AESCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi: create GCM: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. Values without the sealed prefix are
// returned unchanged.
func (c *AESCipher) Decrypt(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", ErrCiphertext
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("phi: decrypt: %w", err)
	}
	return string(plain), nil
}

// Passthrough stores values as-is. It still refuses sealed values so a
// missing key is noticed instead of leaking ciphertext to clients.
type Passthrough struct{}

func (Passthrough) Encrypt(plaintext string) (string, error) { return plaintext, nil }

func (Passthrough) Decrypt(value string) (string, error) {
	if strings.HasPrefix(value, sealedPrefix) {
		return "", fmt.Errorf("phi: encrypted value found but no key configured")
	}
	return value, nil
}

// FromHexKey builds the cipher for a configured key. An empty key disables
// encryption with a warning.
func FromHexKey(key string, logger zerolog.Logger) (FieldCipher, error) {
	if key == "" {
		logger.Warn().Msg("symptom encryption disabled: ENCRYPTION_KEY is not set")
		return Passthrough{}, nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}
	c, err := NewAESCipher(raw)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("symptom encryption enabled")
	return c, nil
}
