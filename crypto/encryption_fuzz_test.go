package crypto

import (
	"bytes"
	"testing"
)

func FuzzSealOpen(f *testing.F) {
	f.Add([]byte{}, []byte{})
	f.Add([]byte("hello"), []byte("round-1"))
	f.Add([]byte("a secret share payload"), []byte("owner|recipient"))
	f.Add(make([]byte, 1000), []byte{})

	f.Fuzz(func(t *testing.T, plaintext, ad []byte) {
		key, err := DeriveKey([]byte("fuzz-secret"), nil, []byte("fuzz"), KeySize)
		if err != nil {
			t.Fatalf("derive key: %v", err)
		}

		sealed, err := Seal(key, plaintext, ad)
		if err != nil {
			t.Fatalf("seal failed: %v", err)
		}

		// Invariant 1: nonce + plaintext + tag
		if len(sealed) != 12+len(plaintext)+16 {
			t.Errorf("sealed length: got %d, want %d", len(sealed), 12+len(plaintext)+16)
		}

		// Invariant 2: round trip
		opened, err := Open(key, sealed, ad)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if !bytes.Equal(plaintext, opened) {
			t.Errorf("round trip failed: got %x, want %x", opened, plaintext)
		}

		// Invariant 3: additional data is bound
		if _, err := Open(key, sealed, append(bytes.Clone(ad), 0x01)); err == nil {
			t.Error("open should fail with different additional data")
		}

		// Invariant 4: wrong key fails
		wrongKey, _ := DeriveKey([]byte("other-secret"), nil, []byte("fuzz"), KeySize)
		if _, err := Open(wrongKey, sealed, ad); err == nil {
			t.Error("open should fail with wrong key")
		}
	})
}

func FuzzOpenGarbage(f *testing.F) {
	f.Add(make([]byte, 0))
	f.Add(make([]byte, 27))
	f.Add(make([]byte, 28))
	f.Add(make([]byte, 100))

	f.Fuzz(func(t *testing.T, data []byte) {
		key, _ := DeriveKey([]byte("fuzz-secret"), nil, []byte("fuzz"), KeySize)
		if _, err := Open(key, data, nil); err == nil {
			t.Error("garbage must never authenticate")
		}
	})
}
