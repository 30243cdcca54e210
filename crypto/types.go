package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// KeySize is the size in bytes of X25519 scalars, points and derived shared keys.
const KeySize = 32

var (
	// ErrInvalidKeyLength is returned when decoding a key of the wrong size.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")

	// ErrLowOrderPoint is returned when key agreement yields the all-zero value.
	ErrLowOrderPoint = errors.New("crypto: low order point")
)

// KemPublicKey is an X25519 public key. Participants publish one per round
// for pairwise masking and one for the share channel.
type KemPublicKey [KeySize]byte

// KemPrivateKey is an X25519 private scalar.
type KemPrivateKey [KeySize]byte

// NewKemPublicKeyFromBytes copies data into a public key.
func NewKemPublicKeyFromBytes(data []byte) (KemPublicKey, error) {
	var pk KemPublicKey
	if len(data) != KeySize {
		return pk, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// NewKemPrivateKeyFromBytes copies data into a private key.
func NewKemPrivateKeyFromBytes(data []byte) (KemPrivateKey, error) {
	var sk KemPrivateKey
	if len(data) != KeySize {
		return sk, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(data))
	}
	copy(sk[:], data)
	return sk, nil
}

// Bytes returns a copy of the public key bytes.
func (pk KemPublicKey) Bytes() []byte {
	return slices.Clone(pk[:])
}

// Equal compares two public keys in constant time.
func (pk KemPublicKey) Equal(other KemPublicKey) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

// IsZero reports whether the key is unset.
func (pk KemPublicKey) IsZero() bool {
	return pk == KemPublicKey{}
}

// String returns the hex encoding of the key.
func (pk KemPublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// MarshalText encodes the key as hex so it reads naturally in JSON and YAML.
func (pk KemPublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(pk[:])), nil
}

// UnmarshalText decodes a hex encoded key.
func (pk *KemPublicKey) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	decoded, err := NewKemPublicKeyFromBytes(raw)
	if err != nil {
		return err
	}
	*pk = decoded
	return nil
}

// Bytes returns a copy of the private scalar.
// This exposes sensitive key material and is only meant for secret sharing.
func (sk KemPrivateKey) Bytes() []byte {
	return slices.Clone(sk[:])
}

// Zero overwrites the scalar.
func (sk *KemPrivateKey) Zero() {
	clear(sk[:])
}

// SharedKey is symmetric key material derived from a key agreement.
type SharedKey []byte

// NewSharedKey creates a SharedKey from a copy of data.
func NewSharedKey(data []byte) SharedKey {
	return SharedKey(slices.Clone(data))
}

// Bytes returns a copy of the key bytes.
func (k SharedKey) Bytes() []byte {
	return slices.Clone(k)
}

// Equal compares two shared keys in constant time.
func (k SharedKey) Equal(other SharedKey) bool {
	return subtle.ConstantTimeCompare(k, other) == 1
}
