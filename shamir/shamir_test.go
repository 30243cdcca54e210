package shamir

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// subsets returns every k-sized subset of shares.
func subsets(shares []Share, k int) [][]Share {
	var out [][]Share
	var rec func(start int, cur []Share)
	rec = func(start int, cur []Share) {
		if len(cur) == k {
			out = append(out, append([]Share(nil), cur...))
			return
		}
		for i := start; i < len(shares); i++ {
			rec(i+1, append(cur, shares[i]))
		}
	}
	rec(0, nil)
	return out
}

func TestSplitReconstructAllSubsets(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	shares, err := Split(secret, 5, 4)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	for _, subset := range subsets(shares, 4) {
		got, err := Reconstruct(subset)
		require.NoError(t, err)
		require.Equal(t, secret, got)
	}

	for _, subset := range subsets(shares, 3) {
		_, err := Reconstruct(subset)
		require.ErrorIs(t, err, ErrNotEnoughShares)
	}
}

func TestDifferentSubsetsAgree(t *testing.T) {
	secret := []byte("the masking key of a dropped participant")
	shares, err := Split(secret, 7, 3)
	require.NoError(t, err)

	a, err := Reconstruct([]Share{shares[0], shares[3], shares[6]})
	require.NoError(t, err)
	b, err := Reconstruct([]Share{shares[5], shares[1], shares[2]})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, secret, a)

	// Extra shares beyond the threshold are ignored.
	all, err := Reconstruct(shares)
	require.NoError(t, err)
	require.Equal(t, secret, all)
}

func TestSplitParameterErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		n, t int
	}{
		{"threshold one", 3, 1},
		{"threshold above n", 3, 4},
		{"too many shares", 256, 2},
		{"zero", 0, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Split([]byte{1}, tc.n, tc.t)
			require.ErrorIs(t, err, ErrInvalidParameters)
		})
	}

	_, err := Split(nil, 3, 2)
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestReconstructRejectsInconsistentShares(t *testing.T) {
	shares, err := Split([]byte("secret"), 4, 3)
	require.NoError(t, err)

	_, err = Reconstruct(nil)
	require.ErrorIs(t, err, ErrNotEnoughShares)

	mixed := []Share{shares[0], shares[1], {Index: 3, Threshold: 2, Payload: shares[2].Payload}}
	_, err = Reconstruct(mixed)
	require.ErrorIs(t, err, ErrInconsistentShares)

	ragged := []Share{shares[0], shares[1], {Index: 3, Threshold: 3, Payload: []byte{1}}}
	_, err = Reconstruct(ragged)
	require.ErrorIs(t, err, ErrInconsistentShares)

	conflict := []Share{shares[0], {Index: 1, Threshold: 3, Payload: []byte("xxxxxx")}, shares[2]}
	_, err = Reconstruct(conflict)
	require.ErrorIs(t, err, ErrInconsistentShares)

	// Duplicates with identical payloads do not count twice.
	dup := []Share{shares[0], shares[0], shares[1]}
	_, err = Reconstruct(dup)
	require.ErrorIs(t, err, ErrNotEnoughShares)
}

func TestSplitIsRandomized(t *testing.T) {
	secret := []byte{0x42}
	a, err := Split(secret, 3, 2)
	require.NoError(t, err)
	b, err := SplitWithReader(bytes.NewReader([]byte{9}), secret, 3, 2)
	require.NoError(t, err)

	// With slope 9 the shares are 0x42 ^ 9*i.
	for i, s := range b {
		require.Equal(t, gfAdd(0x42, gfMul(9, byte(i+1))), s.Payload[0])
	}
	got, err := Reconstruct(a[1:])
	require.NoError(t, err)
	require.Equal(t, secret, got)

	_, err = SplitWithReader(bytes.NewReader(nil), secret, 3, 2)
	require.Error(t, err)
}
