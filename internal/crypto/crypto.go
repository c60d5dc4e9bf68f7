// Package crypto encrypts credentials kept in the configuration file.
// Keys are derived with HKDF-SHA256 from a machine secret; payloads are
// sealed with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// hkdfSalt separates these keys from any other use of the machine secret.
var hkdfSalt = []byte("storyforge/config-secrets/v1")

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = apperrors.New(apperrors.ErrCryptoFailed, "invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = apperrors.New(apperrors.ErrCryptoFailed, "invalid key")
)

// DeriveKey derives a purpose-bound key from a machine secret. purpose is
// the HKDF info, so keys for different purposes are independent.
func DeriveKey(machineSecret []byte, purpose string) ([]byte, error) {
	if len(machineSecret) == 0 {
		return nil, ErrInvalidKey
	}
	r := hkdf.New(sha256.New, machineSecret, hkdfSalt, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM and returns base64(nonce||ciphertext).
// aad is authenticated but not encrypted.
func Encrypt(plaintext, key, aad []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt with the same key and aad.
func Decrypt(ciphertext string, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], aad)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// EncryptSecret encrypts a configuration secret for field, binding the
// ciphertext to that field name.
func EncryptSecret(secret, field string, machineSecret []byte) (string, error) {
	if secret == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "secret cannot be empty")
	}
	key, err := DeriveKey(machineSecret, field)
	if err != nil {
		return "", err
	}
	return Encrypt([]byte(secret), key, []byte(field))
}

// DecryptSecret reverses EncryptSecret. An empty value decrypts to an
// empty secret.
func DecryptSecret(encrypted, field string, machineSecret []byte) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	key, err := DeriveKey(machineSecret, field)
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(encrypted, key, []byte(field))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
