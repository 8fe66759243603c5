// Package crypto seals venue API credentials for storage at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes).
	KeySize = 32
	// NonceSize is the size of the GCM nonce (12 bytes).
	NonceSize = 12

	sealPrefix = "enc:v%d:"
)

var (
	ErrInvalidKey    = errors.New("invalid sealing key: must be 32 bytes")
	ErrInvalidSealed = errors.New("invalid sealed credential format")
	ErrOpenFailed    = errors.New("credential unseal failed")
)

// Cipher seals and opens credential strings with AES-256-GCM. The
// sealed form carries a key version so rotated keys can still open
// older rows.
type Cipher struct {
	key     []byte
	version int
}

// NewCipher creates a Cipher for the given 32-byte key and version.
func NewCipher(key []byte, version int) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Cipher{key: key, version: version}, nil
}

// Seal encrypts plaintext and returns "enc:vN:base64(nonce+ciphertext)".
func (c *Cipher) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	encoded := base64.StdEncoding.EncodeToString(sealed)
	return fmt.Sprintf(sealPrefix, c.version) + encoded, nil
}

// Open decrypts a string produced by Seal.
func (c *Cipher) Open(sealed string) (string, error) {
	encoded, ok := payload(sealed)
	if !ok {
		return "", ErrInvalidSealed
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidSealed
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce, body := data[:NonceSize], data[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// Version returns the key version this cipher seals with.
func (c *Cipher) Version() int {
	return c.version
}

// ParseVersion extracts the key version from a sealed string, or 0 when
// the format is invalid.
func ParseVersion(sealed string) int {
	if !strings.HasPrefix(sealed, "enc:v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(sealed, "enc:v%d:", &version); err != nil {
		return 0
	}
	return version
}

func payload(sealed string) (string, bool) {
	if !strings.HasPrefix(sealed, "enc:v") {
		return "", false
	}
	rest := sealed[len("enc:v"):]
	idx := strings.Index(rest, ":")
	if idx == -1 {
		return "", false
	}
	return rest[idx+1:], true
}
