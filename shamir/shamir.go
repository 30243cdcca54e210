package shamir

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// MaxShares is the largest share count: x coordinates are the non-zero field elements.
const MaxShares = 255

var (
	ErrInvalidParameters  = errors.New("shamir: invalid parameters")
	ErrNotEnoughShares    = errors.New("shamir: not enough shares")
	ErrInconsistentShares = errors.New("shamir: inconsistent shares")
)

// Share is one evaluation of the sharing polynomials at x = Index.
// Payload holds one field element per secret byte.
type Share struct {
	Index     uint8  `json:"index"`
	Threshold uint8  `json:"threshold"`
	Payload   []byte `json:"payload"`
}

// Split shares secret into n shares, any t of which reconstruct it.
// Randomness comes from crypto/rand.
func Split(secret []byte, n, t int) ([]Share, error) {
	return SplitWithReader(rand.Reader, secret, n, t)
}

// SplitWithReader is Split drawing polynomial coefficients from r.
// Every secret byte gets an independent degree t-1 polynomial whose constant
// term is that byte; share i carries the evaluations at x = i.
func SplitWithReader(r io.Reader, secret []byte, n, t int) ([]Share, error) {
	if t < 2 || t > n || n > MaxShares {
		return nil, fmt.Errorf("%w: need 2 <= t <= n <= %d, got n=%d t=%d", ErrInvalidParameters, MaxShares, n, t)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidParameters)
	}

	shares := make([]Share, n)
	for i := range shares {
		shares[i] = Share{
			Index:     uint8(i + 1),
			Threshold: uint8(t),
			Payload:   make([]byte, len(secret)),
		}
	}

	coeffs := make([]byte, t)
	defer clear(coeffs)
	for b, s := range secret {
		coeffs[0] = s
		if _, err := io.ReadFull(r, coeffs[1:]); err != nil {
			return nil, fmt.Errorf("read coefficients: %w", err)
		}
		for i := range shares {
			shares[i].Payload[b] = evalPolynomial(coeffs, shares[i].Index)
		}
	}

	return shares, nil
}

// Reconstruct interpolates the secret at x = 0 from exactly Threshold shares.
// The threshold encoded in the first share is authoritative; fewer distinct
// shares than that fail with ErrNotEnoughShares.
func Reconstruct(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrNotEnoughShares
	}

	t := int(shares[0].Threshold)
	size := len(shares[0].Payload)
	if t < 2 || size == 0 {
		return nil, fmt.Errorf("%w: threshold %d, payload %d bytes", ErrInconsistentShares, t, size)
	}

	selected := make([]Share, 0, t)
	seen := make(map[uint8][]byte, len(shares))
	for _, s := range shares {
		if int(s.Threshold) != t {
			return nil, fmt.Errorf("%w: threshold %d != %d", ErrInconsistentShares, s.Threshold, t)
		}
		if len(s.Payload) != size {
			return nil, fmt.Errorf("%w: payload %d bytes != %d", ErrInconsistentShares, len(s.Payload), size)
		}
		if s.Index == 0 {
			return nil, fmt.Errorf("%w: zero index", ErrInconsistentShares)
		}
		if prev, ok := seen[s.Index]; ok {
			if !bytes.Equal(prev, s.Payload) {
				return nil, fmt.Errorf("%w: conflicting payloads for index %d", ErrInconsistentShares, s.Index)
			}
			continue
		}
		seen[s.Index] = s.Payload
		if len(selected) < t {
			selected = append(selected, s)
		}
	}

	if len(selected) < t {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughShares, len(selected), t)
	}

	xs := make([]byte, t)
	for i, s := range selected {
		xs[i] = s.Index
	}
	basis := lagrangeBasisAtZero(xs)

	secret := make([]byte, size)
	for b := range secret {
		var acc byte
		for i, s := range selected {
			acc = gfAdd(acc, gfMul(basis[i], s.Payload[b]))
		}
		secret[b] = acc
	}
	return secret, nil
}
