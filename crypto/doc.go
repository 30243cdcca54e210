// Package crypto provides the cryptographic primitives consumed by the secure
// aggregation protocol.
//
// The package wraps vetted implementations rather than building its own:
//
//   - X25519 (golang.org/x/crypto/curve25519) for ephemeral key agreement
//   - HKDF-SHA256 (golang.org/x/crypto/hkdf) for key derivation
//   - ChaCha20-Poly1305 (golang.org/x/crypto/chacha20poly1305) for sealing
//     secret shares between peers
//   - crypto/rand as the CSPRNG
//
// # Provider
//
// Protocol code depends on the Provider interface so that tests can inject a
// deterministic randomness source. X25519Provider is the production
// implementation.
//
// # Key Management
//
// Every participant generates two ephemeral X25519 key pairs per round. The
// masking key pair seeds pairwise masks and its private half is secret-shared
// so a dropped participant's masks can be regenerated. The channel key pair
// only encrypts shares in transit and is never revealed.
//
// Note: X25519 and ChaCha20-Poly1305 are constant-time; the GF(2^8) share
// arithmetic in package shamir is table based and is not.
package crypto
