// Package crypto provides the encryption and hashing primitives used by the
// wallet engine and the auth pipeline: AES-256-GCM for amounts at rest,
// a deterministic digest for API-key lookup, and argon2id for secrets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
)

var (
	// ErrKeyMissing is returned when encryption is attempted without a
	// configured key. Operations fail closed rather than storing plaintext.
	ErrKeyMissing = errors.New("encryption key is not configured")

	// ErrDecryptFailed is returned for any decryption failure. It is
	// deliberately opaque: bad key, bad nonce and tamper detection are
	// indistinguishable to callers.
	ErrDecryptFailed = errors.New("decryption failed")
)

// Encryptor encrypts and decrypts short strings with AES-256-GCM. The stored
// blob is urlsafe-base64(nonce || ciphertext || tag).
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a base64-encoded 256-bit key, as
// loaded from configuration.
func NewEncryptor(keyB64 string) (*Encryptor, error) {
	if keyB64 == "" {
		return nil, ErrKeyMissing
	}

	key, err := base64.URLEncoding.DecodeString(keyB64)
	if err != nil {
		// Accept standard encoding too; operators paste both forms.
		key, err = base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
		}
	}

	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt encrypts plaintext with a fresh 96-bit nonce and returns the
// urlsafe-base64 blob.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if e == nil || e.aead == nil {
		return "", ErrKeyMissing
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Every failure mode returns ErrDecryptFailed.
func (e *Encryptor) Decrypt(blob string) (string, error) {
	if e == nil || e.aead == nil {
		return "", ErrKeyMissing
	}

	raw, err := base64.URLEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptFailed
	}

	if len(raw) < nonceSize+e.aead.Overhead() {
		return "", ErrDecryptFailed
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plaintext), nil
}

// GenerateKey returns a fresh base64-encoded 256-bit key for the keygen CLI.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
