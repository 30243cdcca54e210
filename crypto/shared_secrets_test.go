package crypto

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyExchangeIsSymmetric(t *testing.T) {
	p := NewProvider()

	alicePub, alicePriv, err := p.GenerateKeyPair()
	require.NoError(t, err)
	bobPub, bobPriv, err := p.GenerateKeyPair()
	require.NoError(t, err)

	ab, err := p.KeyExchange(alicePriv, bobPub)
	require.NoError(t, err)
	ba, err := p.KeyExchange(bobPriv, alicePub)
	require.NoError(t, err)

	require.Len(t, ab, KeySize)
	require.True(t, ab.Equal(ba))

	carolPub, _, err := p.GenerateKeyPair()
	require.NoError(t, err)
	ac, err := p.KeyExchange(alicePriv, carolPub)
	require.NoError(t, err)
	require.False(t, ab.Equal(ac))
}

func TestKeyExchangeRejectsLowOrderPoint(t *testing.T) {
	_, priv, err := GenerateKemKeyPair()
	require.NoError(t, err)

	_, err = DeriveSharedSecret(priv, KemPublicKey{}, KeyExchangeInfo)
	require.ErrorIs(t, err, ErrLowOrderPoint)
}

func TestPublicKeyFromPrivate(t *testing.T) {
	pub, priv, err := GenerateKemKeyPairFrom(bytes.NewReader(bytes.Repeat([]byte{7}, KeySize)))
	require.NoError(t, err)

	derived, err := priv.PublicKey()
	require.NoError(t, err)
	require.True(t, pub.Equal(derived))

	restored, err := NewKemPrivateKeyFromBytes(priv.Bytes())
	require.NoError(t, err)
	require.Equal(t, priv, restored)

	_, err = NewKemPrivateKeyFromBytes(priv.Bytes()[:31])
	require.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestPublicKeyTextEncoding(t *testing.T) {
	pub, _, err := GenerateKemKeyPair()
	require.NoError(t, err)

	data, err := json.Marshal(struct {
		Key KemPublicKey `json:"key"`
	}{pub})
	require.NoError(t, err)
	require.Contains(t, string(data), pub.String())

	var decoded struct {
		Key KemPublicKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, pub.Equal(decoded.Key))

	require.Error(t, json.Unmarshal([]byte(`{"key":"abcd"}`), &decoded))
}

func TestDeriveKeyBindsSaltAndInfo(t *testing.T) {
	secret := []byte("pairwise secret")

	k1, err := DeriveKey(secret, []byte("round-1"), []byte("label"), 32)
	require.NoError(t, err)
	k2, err := DeriveKey(secret, []byte("round-2"), []byte("label"), 32)
	require.NoError(t, err)
	k3, err := DeriveKey(secret, []byte("round-1"), []byte("other"), 32)
	require.NoError(t, err)

	require.False(t, k1.Equal(k2))
	require.False(t, k1.Equal(k3))

	_, err = DeriveKey(nil, nil, nil, 32)
	require.Error(t, err)
	_, err = DeriveKey(secret, nil, nil, 0)
	require.Error(t, err)
}
