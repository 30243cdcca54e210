package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a sealed message fails authentication.
var ErrDecrypt = errors.New("crypto: message authentication failed")

// Seal encrypts plaintext under a 32-byte key with ChaCha20-Poly1305.
// Output format: nonce (12 bytes) || ciphertext+tag.
// The additional data is authenticated but not included in the output.
func Seal(key SharedKey, plaintext, additionalData []byte) ([]byte, error) {
	return SealFrom(rand.Reader, key, plaintext, additionalData)
}

// SealFrom is Seal with an explicit nonce source.
func SealFrom(r io.Reader, key SharedKey, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(out, out[:aead.NonceSize()], plaintext, additionalData), nil
}

// Open decrypts a message produced by Seal.
func Open(key SharedKey, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: message too short", ErrDecrypt)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}
