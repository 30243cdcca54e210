package masking

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/sha3"
)

// MaxMaskLength bounds the number of elements a single seed may be expanded
// into. It keeps every expansion far below the ChaCha20 block counter limit.
const MaxMaskLength = 1 << 28

// SeedSize is the size of a pairwise seed in bytes.
const SeedSize = chacha20.KeySize

var (
	ErrLengthMismatch = errors.New("masking: vector length mismatch")
	ErrInvalidLength  = errors.New("masking: invalid length")
	ErrMaskTooLong    = errors.New("masking: requested mask exceeds expander bound")
	ErrEmptySecret    = errors.New("masking: empty shared secret")
	ErrSelfPair       = errors.New("masking: participant paired with itself")
)

var seedDomain = []byte("secagg/v1/mask-seed")

// Seed keys the expansion of one pairwise mask.
type Seed [SeedSize]byte

// Sign selects whether a participant adds or subtracts a pairwise mask.
type Sign int8

const (
	Plus  Sign = 1
	Minus Sign = -1
)

func (s Sign) String() string {
	if s == Plus {
		return "+"
	}
	return "-"
}

// SignFor returns the sign self applies to the mask shared with peer:
// the lexicographically smaller identifier adds, the larger subtracts.
func SignFor(self, peer string) (Sign, error) {
	switch {
	case self < peer:
		return Plus, nil
	case self > peer:
		return Minus, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrSelfPair, self)
	}
}

// DerivePairwiseSeed binds a pairwise shared secret to a round. Both members
// of the pair compute the same seed independently.
func DerivePairwiseSeed(sharedSecret []byte, roundID string) (Seed, error) {
	if len(sharedSecret) == 0 {
		return Seed{}, ErrEmptySecret
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(roundID)))

	h := sha3.New256()
	h.Write(seedDomain)
	h.Write(lenBuf[:])
	h.Write([]byte(roundID))
	h.Write(sharedSecret)

	var seed Seed
	h.Sum(seed[:0])
	return seed, nil
}

// ExpandMask expands seed into n ring elements using the ChaCha20 keystream.
// Lengths outside (0, MaxMaskLength] fail instead of truncating.
func ExpandMask(seed Seed, n int) (Vector, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if n > MaxMaskLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrMaskTooLong, n, MaxMaskLength)
	}

	var nonce [chacha20.NonceSize]byte
	stream, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}

	buf := make([]byte, 8*n)
	stream.XORKeyStream(buf, buf)

	mask := make(Vector, n)
	for i := range mask {
		mask[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return mask, nil
}

// PeerMask is one expanded pairwise mask together with the sign the local
// participant applies to it.
type PeerMask struct {
	Peer string
	Sign Sign
	Mask Vector
}

// NewPeerMask derives the seed for (self, peer) in roundID and expands it.
func NewPeerMask(self, peer string, sharedSecret []byte, roundID string, n int) (PeerMask, error) {
	sign, err := SignFor(self, peer)
	if err != nil {
		return PeerMask{}, err
	}
	seed, err := DerivePairwiseSeed(sharedSecret, roundID)
	if err != nil {
		return PeerMask{}, err
	}
	mask, err := ExpandMask(seed, n)
	if err != nil {
		return PeerMask{}, err
	}
	return PeerMask{Peer: peer, Sign: sign, Mask: mask}, nil
}

// CombineMasks returns vector with every peer mask applied according to its sign.
// The input vector is not modified.
func CombineMasks(vector Vector, masks []PeerMask) (Vector, error) {
	for _, m := range masks {
		if len(m.Mask) != len(vector) {
			return nil, fmt.Errorf("%w: mask for %q has %d elements, vector has %d",
				ErrLengthMismatch, m.Peer, len(m.Mask), len(vector))
		}
		if m.Sign != Plus && m.Sign != Minus {
			return nil, fmt.Errorf("masking: invalid sign %d for %q", m.Sign, m.Peer)
		}
	}

	out := vector.Clone()
	for _, m := range masks {
		if m.Sign == Plus {
			out.AddInplace(m.Mask)
		} else {
			out.SubInplace(m.Mask)
		}
	}
	return out, nil
}
