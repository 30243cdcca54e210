package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyExchangeInfo is the HKDF info label binding raw X25519 output to this protocol.
var KeyExchangeInfo = []byte("secagg/v1/key-exchange")

// GenerateKemKeyPair generates a new X25519 key pair from crypto/rand.
func GenerateKemKeyPair() (KemPublicKey, KemPrivateKey, error) {
	return GenerateKemKeyPairFrom(rand.Reader)
}

// GenerateKemKeyPairFrom generates a new X25519 key pair reading the scalar from r.
func GenerateKemKeyPairFrom(r io.Reader) (KemPublicKey, KemPrivateKey, error) {
	var privKey KemPrivateKey
	var pubKey KemPublicKey

	if _, err := io.ReadFull(r, privKey[:]); err != nil {
		return pubKey, privKey, fmt.Errorf("read scalar: %w", err)
	}

	pubKey, err := privKey.PublicKey()
	if err != nil {
		return KemPublicKey{}, KemPrivateKey{}, err
	}
	return pubKey, privKey, nil
}

// PublicKey computes the X25519 public key for the scalar.
func (sk KemPrivateKey) PublicKey() (KemPublicKey, error) {
	var pubKey KemPublicKey
	pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return pubKey, fmt.Errorf("derive public key: %w", err)
	}
	copy(pubKey[:], pub)
	return pubKey, nil
}

// DeriveSharedSecret performs X25519 key agreement and expands the result with
// HKDF-SHA256 under the given info label. Both sides of a pair obtain the same key.
func DeriveSharedSecret(privateKey KemPrivateKey, publicKey KemPublicKey, info []byte) (SharedKey, error) {
	sharedPoint, err := curve25519.X25519(privateKey[:], publicKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLowOrderPoint, err)
	}

	return DeriveKey(sharedPoint, nil, info, KeySize)
}

// DeriveKey expands secret into length bytes with HKDF-SHA256.
func DeriveKey(secret, salt, info []byte, length int) (SharedKey, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive key: empty secret")
	}
	if length <= 0 || length > 255*sha256.Size {
		return nil, fmt.Errorf("derive key: invalid length %d", length)
	}

	kdf := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return SharedKey(out), nil
}
