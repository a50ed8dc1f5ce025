package aead

import (
	"bytes"
	"math/big"
	"testing"
)

func TestGenerateKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(key) != 44 {
		t.Fatalf("expected base64-encoded 32-byte key to be 44 chars, got %d", len(key))
	}

	if _, err := New(key); err != nil {
		t.Fatalf("New(generated key): %v", err)
	}
}

func TestNewRejectsWrongLength(t *testing.T) {
	if _, err := New("dG9vc2hvcnQ="); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	c, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := [][]byte{
		{},
		[]byte("HELLO"),
		bytes.Repeat([]byte{0x42}, 1400),
	}

	for _, data := range cases {
		ct, tag, nonce := c.Encrypt(data)
		if len(ct) != len(data) {
			t.Fatalf("ciphertext length %d != plaintext length %d", len(ct), len(data))
		}
		if len(tag) != TagSize {
			t.Fatalf("tag length = %d, want %d", len(tag), TagSize)
		}
		if len(nonce) != NonceSize {
			t.Fatalf("nonce length = %d, want %d", len(nonce), NonceSize)
		}

		plain, err := c.Decrypt(ct, tag, nonce)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(plain, data) {
			t.Fatalf("round trip mismatch: got %x want %x", plain, data)
		}
	}
}

func TestNonceMonotonic(t *testing.T) {
	key, _ := GenerateKey()
	c, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, n1 := c.Encrypt([]byte("a"))
	_, _, n2 := c.Encrypt([]byte("b"))

	diff := nonceDelta(n1, n2)
	if diff != 1 {
		t.Fatalf("consecutive nonces differ by %d, want 1", diff)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	c, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ct, tag, nonce := c.Encrypt([]byte("authenticate me"))
	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0x01

	if _, err := c.Decrypt(tampered, tag, nonce); err != ErrAuth {
		t.Fatalf("Decrypt(tampered) = %v, want ErrAuth", err)
	}
}

func TestDecryptDoesNotAdvanceSenderNonce(t *testing.T) {
	key, _ := GenerateKey()
	c, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := c.nonce
	ct, tag, nonce := c.Encrypt([]byte("x"))
	afterEncrypt := c.nonce

	if _, err := c.Decrypt(ct, tag, nonce); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if c.nonce != afterEncrypt {
		t.Fatalf("decrypt mutated sender nonce: before-decrypt=%x after-decrypt=%x", afterEncrypt, c.nonce)
	}
	if nonceDelta(before[:], afterEncrypt[:]) != 1 {
		t.Fatalf("encrypt did not advance nonce by exactly one")
	}
}

// nonceDelta treats a and b as big-endian 96-bit counters and returns b-a mod 2^96.
func nonceDelta(a, b []byte) int64 {
	ai := new(big.Int).SetBytes(a)
	bi := new(big.Int).SetBytes(b)

	mod := new(big.Int).Lsh(big.NewInt(1), 96)
	diff := new(big.Int).Sub(bi, ai)
	diff.Mod(diff, mod)

	return diff.Int64()
}
