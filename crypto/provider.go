package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Provider bundles the primitives the aggregation protocol consumes:
// randomness, key derivation, key agreement and authenticated encryption.
type Provider interface {
	// RandomBytes returns n bytes from a CSPRNG.
	RandomBytes(n int) ([]byte, error)

	// Reader exposes the provider's randomness as an io.Reader.
	Reader() io.Reader

	// DeriveKey expands secret into length bytes bound to salt and info.
	DeriveKey(secret, salt, info []byte, length int) (SharedKey, error)

	// GenerateKeyPair creates an ephemeral key agreement key pair.
	GenerateKeyPair() (KemPublicKey, KemPrivateKey, error)

	// KeyExchange computes the shared secret between a local private key and
	// a remote public key. The result is symmetric in the two parties.
	KeyExchange(local KemPrivateKey, remote KemPublicKey) (SharedKey, error)

	// Seal encrypts and authenticates plaintext under key.
	Seal(key SharedKey, plaintext, additionalData []byte) ([]byte, error)

	// Open reverses Seal.
	Open(key SharedKey, sealed, additionalData []byte) ([]byte, error)
}

// X25519Provider implements Provider with X25519, HKDF-SHA256 and ChaCha20-Poly1305.
// A nil Rand uses crypto/rand.
type X25519Provider struct {
	Rand io.Reader
}

// NewProvider returns the default Provider backed by crypto/rand.
func NewProvider() *X25519Provider {
	return &X25519Provider{}
}

func (p *X25519Provider) Reader() io.Reader {
	if p == nil || p.Rand == nil {
		return rand.Reader
	}
	return p.Rand
}

func (p *X25519Provider) RandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("random bytes: negative length %d", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(p.Reader(), out); err != nil {
		return nil, fmt.Errorf("random bytes: %w", err)
	}
	return out, nil
}

func (p *X25519Provider) DeriveKey(secret, salt, info []byte, length int) (SharedKey, error) {
	return DeriveKey(secret, salt, info, length)
}

func (p *X25519Provider) GenerateKeyPair() (KemPublicKey, KemPrivateKey, error) {
	return GenerateKemKeyPairFrom(p.Reader())
}

func (p *X25519Provider) KeyExchange(local KemPrivateKey, remote KemPublicKey) (SharedKey, error) {
	return DeriveSharedSecret(local, remote, KeyExchangeInfo)
}

func (p *X25519Provider) Seal(key SharedKey, plaintext, additionalData []byte) ([]byte, error) {
	return SealFrom(p.Reader(), key, plaintext, additionalData)
}

func (p *X25519Provider) Open(key SharedKey, sealed, additionalData []byte) ([]byte, error) {
	return Open(key, sealed, additionalData)
}
