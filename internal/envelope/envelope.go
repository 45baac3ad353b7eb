// Package envelope encrypts attestation signatures at rest with
// AES-256-GCM. Each signature gets a fresh random 96-bit nonce; the stored
// form is ASCII "hex(iv):hex(tag):hex(ciphertext)" with a 128-bit tag.
// Any framing damage or tag mismatch fails as an integrity violation.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/trufnetwork/attestd/internal/types"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM IV length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// Cipher encrypts and decrypts signature envelopes. The key is loaded once
// at process start and read-only afterwards; concurrent use is safe.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM mode: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewFromHex builds a cipher from a hex-encoded 32-byte key (with or
// without 0x prefix). A malformed key is a startup error.
func NewFromHex(hexKey string) (*Cipher, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("envelope key is empty")
	}
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("envelope key is not valid hex: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext under a fresh random nonce and returns the stored
// textual form hex(iv):hex(tag):hex(body). The whole ciphertext is
// authenticated; no additional data is bound.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("envelope cipher not initialized")
	}
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag after the ciphertext body; the stored layout
	// carries the tag in the middle.
	body := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(body), nil
}

// Decrypt opens a stored envelope. Malformed framing, wrong component
// lengths, and tag verification failure all return an integrity violation;
// callers must treat the record as corrupt, not retry.
func (c *Cipher) Decrypt(stored string) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, fmt.Errorf("envelope cipher not initialized")
	}
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return nil, types.NewError(types.CodeIntegrity, "envelope framing is malformed")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != NonceSize {
		return nil, types.NewError(types.CodeIntegrity, "envelope iv is malformed")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagSize {
		return nil, types.NewError(types.CodeIntegrity, "envelope tag is malformed")
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, types.NewError(types.CodeIntegrity, "envelope body is malformed")
	}

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeIntegrity, err, "envelope authentication failed")
	}
	return plaintext, nil
}
