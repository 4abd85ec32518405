package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

// EnvKey is the variable holding the version 1 key; later versions use
// EnvKey_V2, EnvKey_V3 and so on.
const EnvKey = "MASTER_ENCRYPTION_KEY"

const maxKeyVersions = 10

var ErrKeyNotFound = errors.New("encryption key not found")

// KeyManager holds every configured key version and seals with the newest.
// It is immutable after construction.
type KeyManager struct {
	current int
	byVer   map[int]*Encryptor
}

// NewKeyManagerFromEnv loads keys from the process environment.
func NewKeyManagerFromEnv() (*KeyManager, error) {
	return NewKeyManager(os.LookupEnv)
}

// NewKeyManager loads base64 keys through lookup. Version 1 is required;
// ErrKeyNotFound means no key is configured at all. Gaps between later
// versions are allowed.
func NewKeyManager(lookup func(string) (string, bool)) (*KeyManager, error) {
	km := &KeyManager{byVer: make(map[int]*Encryptor)}
	for v := 1; v <= maxKeyVersions; v++ {
		name := keyEnvName(v)
		raw, ok := lookup(name)
		if !ok || raw == "" {
			if v == 1 {
				return nil, ErrKeyNotFound
			}
			continue
		}
		enc, err := decodeKey(name, raw, v)
		if err != nil {
			return nil, err
		}
		km.byVer[v] = enc
		km.current = v
	}
	return km, nil
}

func keyEnvName(version int) string {
	if version == 1 {
		return EnvKey
	}
	return fmt.Sprintf("%s_V%d", EnvKey, version)
}

func decodeKey(name, raw string, version int) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return enc, nil
}

// Seal encrypts with the current key version.
func (km *KeyManager) Seal(plaintext, boundTo string) (string, error) {
	return km.byVer[km.current].Seal(plaintext, boundTo)
}

// Open picks the key version recorded in the ciphertext.
func (km *KeyManager) Open(ciphertext, boundTo string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.byVer[version]
	if !ok {
		return "", fmt.Errorf("key version %d not configured", version)
	}
	return enc.Open(ciphertext, boundTo)
}

// CurrentVersion is the version new ciphertexts are sealed with.
func (km *KeyManager) CurrentVersion() int {
	return km.current
}

// GenerateKey returns a fresh base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
