// Package shamir implements Shamir threshold secret sharing over GF(2^8).
//
// A secret of any length is shared byte by byte: each byte is the constant
// term of its own random polynomial of degree t-1, and share i holds the
// evaluations at x = i for i = 1..n. Any t shares recover the secret by
// Lagrange interpolation at zero; t-1 shares are information-theoretically
// independent of it.
//
// Field arithmetic uses exp/log tables for the AES polynomial (0x11b) and is
// not constant-time.
package shamir
