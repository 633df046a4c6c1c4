// storage/cipher_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	c := NewCipherIterations("hunter2", 1000)
	for _, n := range []int{0, 1, 15, 16, 17, 4096, 100000} {
		plain := genRandom(n)
		sealed, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("%d: %v", n, err)
		}
		if len(sealed) != n+saltLength {
			t.Errorf("%d: sealed length %d", n, len(sealed))
		}
		got, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("%d: %v", n, err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("%d: round trip mismatch", n)
		}
	}
}

func TestCipherFreshSalt(t *testing.T) {
	plain := []byte("the same message, twice")
	a, err := Encrypt(plain, "pw")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt(plain, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Errorf("two encryptions produced identical output")
	}
	if bytes.Equal(a[:saltLength], b[:saltLength]) {
		t.Errorf("salt reused")
	}
}

func TestCipherWrongPassword(t *testing.T) {
	for i := 0; i < 10; i++ {
		plain := genRandom(1 + rand.Intn(1024))
		sealed, err := Encrypt(plain, "right")
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decrypt(sealed, "wrong")
		if err == nil && bytes.Equal(got, plain) {
			t.Errorf("decrypted with the wrong password")
		}
	}
}

func TestCipherShort(t *testing.T) {
	if _, err := Decrypt([]byte{1, 2, 3}, "pw"); err != ErrCiphertextTooShort {
		t.Errorf("expected ErrCiphertextTooShort, got %v", err)
	}
}
