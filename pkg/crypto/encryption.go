// Package crypto seals short secrets, such as a cached broker password, with
// AES-256-GCM. Ciphertexts carry their key version and may be bound to a
// context string (for example a user id) that must match on open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	envelopeOpen  = "ENC[v"
	envelopeClose = "]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens values with one key version.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates an Encryptor for a 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Seal encrypts plaintext bound to boundTo and wraps it as
// ENC[vN]:base64(nonce|ciphertext).
func (e *Encryptor) Seal(plaintext, boundTo string) (string, error) {
	buf := make([]byte, NonceSize, NonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	buf = e.aead.Seal(buf, buf[:NonceSize], []byte(plaintext), []byte(boundTo))
	return envelopeOpen + strconv.Itoa(e.version) + envelopeClose + base64.StdEncoding.EncodeToString(buf), nil
}

// Open reverses Seal. A different boundTo fails with ErrDecryptionFailed.
func (e *Encryptor) Open(ciphertext, boundTo string) (string, error) {
	_, payload, err := splitEnvelope(ciphertext)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < NonceSize+e.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], []byte(boundTo))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Version is the key version this encryptor seals with.
func (e *Encryptor) Version() int {
	return e.version
}

// ParseVersion reads the key version from a sealed value, or 0 when the value
// is not one.
func ParseVersion(ciphertext string) int {
	version, _, err := splitEnvelope(ciphertext)
	if err != nil {
		return 0
	}
	return version
}

func splitEnvelope(s string) (int, string, error) {
	rest, ok := strings.CutPrefix(s, envelopeOpen)
	if !ok {
		return 0, "", ErrInvalidCiphertext
	}
	num, payload, ok := strings.Cut(rest, envelopeClose)
	if !ok {
		return 0, "", ErrInvalidCiphertext
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return version, payload, nil
}
