package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrNoPrimaryKey     = errors.New("no primary sealing key configured")
	ErrVersionNotLoaded = errors.New("sealing key version not loaded")
)

const (
	rotationEnvTemplate = "CREDENTIAL_KEY_V%d"
	maxRotationVersions = 10
)

// Keyring holds the ciphers for every loaded key version. Sealing uses
// the newest version; opening picks the version recorded in the sealed
// string, so rotation never breaks stored rows.
type Keyring struct {
	mu         sync.RWMutex
	currentVer int
	ciphers    map[int]*Cipher
}

// NewKeyring builds a Keyring from the primary base64 key (version 1,
// from config) plus any CREDENTIAL_KEY_V2..V10 rotation keys in the
// environment.
func NewKeyring(primaryBase64 string) (*Keyring, error) {
	if primaryBase64 == "" {
		return nil, ErrNoPrimaryKey
	}

	kr := &Keyring{ciphers: make(map[int]*Cipher)}
	if err := kr.addKey(1, primaryBase64); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	kr.currentVer = 1

	for v := 2; v <= maxRotationVersions; v++ {
		encoded := os.Getenv(fmt.Sprintf(rotationEnvTemplate, v))
		if encoded == "" {
			continue
		}
		if err := kr.addKey(v, encoded); err != nil {
			return nil, fmt.Errorf("load rotation key v%d: %w", v, err)
		}
		kr.currentVer = v
	}

	return kr, nil
}

func (kr *Keyring) addKey(version int, encoded string) error {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	cipher, err := NewCipher(key, version)
	if err != nil {
		return err
	}
	kr.ciphers[version] = cipher
	return nil
}

// Seal encrypts plaintext with the newest key version.
func (kr *Keyring) Seal(plaintext string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	cipher, ok := kr.ciphers[kr.currentVer]
	if !ok {
		return "", ErrVersionNotLoaded
	}
	return cipher.Seal(plaintext)
}

// Open decrypts a sealed string using the key version it names.
func (kr *Keyring) Open(sealed string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	version := ParseVersion(sealed)
	if version == 0 {
		return "", ErrInvalidSealed
	}
	cipher, ok := kr.ciphers[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrVersionNotLoaded, version)
	}
	return cipher.Open(sealed)
}

// Reseal re-encrypts a sealed string with the newest key version.
func (kr *Keyring) Reseal(sealed string) (string, error) {
	plaintext, err := kr.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return kr.Seal(plaintext)
}

// CurrentVersion returns the key version new seals will use.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.currentVer
}

// HasVersion reports whether a key version is loaded.
func (kr *Keyring) HasVersion(version int) bool {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	_, ok := kr.ciphers[version]
	return ok
}

// GenerateKey returns a fresh random AES-256 key, base64-encoded for
// storage in configuration.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Reader.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
