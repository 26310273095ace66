// Package crypto implements the AEAD codec for message payloads: AES-256-GCM
// with a fresh random 96-bit nonce per encryption and base64 key transport.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	apiError "github.com/echosec/echosec/errors"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes. Reusing a nonce under the
	// same key breaks confidentiality, so every Encrypt call draws a new one.
	NonceSize = 12
)

// GenerateKey returns fresh 256-bit key material from the OS entropy source.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// ExportKey encodes raw key material for storage and transport.
// ImportKey(ExportKey(k)) round-trips losslessly.
func ExportKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ImportKey decodes key material produced by ExportKey. It rejects anything
// that is not exactly a 256-bit key.
func ImportKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apiError.Decryption(fmt.Errorf("decode key: %w", err))
	}
	if len(key) != KeySize {
		return nil, apiError.Decryption(fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	return key, nil
}

// Encrypt seals plaintext under key with a freshly drawn nonce and returns
// ciphertext (tag included) and the nonce. No associated data is used.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. Any authentication failure or
// size mismatch comes back as ErrDecryptionFailed; garbage plaintext is never
// returned.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, apiError.Decryption(fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce)))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apiError.Decryption(err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, apiError.Decryption(fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apiError.Decryption(err)
	}
	return cipher.NewGCM(block)
}
