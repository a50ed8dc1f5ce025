// Package aead wraps ChaCha20-Poly1305-IETF with the sending-nonce bookkeeping
// rtptun needs: a strictly monotonic 12-byte counter seeded at random, never
// reused within a process, and transmitted alongside the ciphertext so the
// peer can decrypt without any side channel.
package aead

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the ChaCha20-Poly1305-IETF key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the ChaCha20-Poly1305-IETF nonce length in bytes.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 authentication tag length in bytes.
	TagSize = 16
)

var (
	// ErrInvalidKey is returned when a base64 key does not decode to exactly KeySize bytes.
	ErrInvalidKey = errors.New("aead: key must decode to 32 bytes")
	// ErrAuth is returned when decrypt fails to authenticate a packet.
	ErrAuth = errors.New("aead: authentication failed")
)

// Cipher holds a ChaCha20-Poly1305-IETF key plus the sending-side nonce counter.
//
// A Cipher is not safe for concurrent use; callers on the core data path run
// under the single dispatcher goroutine (internal/eventloop) so this is never
// a problem in practice.
type Cipher struct {
	aead  cipher.AEAD
	nonce [NonceSize]byte
}

// GenerateKey returns 32 random bytes encoded as base64 (original variant, with padding).
func GenerateKey() (string, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("aead: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// New decodes a base64 key and seeds a fresh random starting nonce.
func New(keyB64 string) (*Cipher, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}

	a, err := chacha20poly1305.New(raw)
	if err != nil {
		return nil, fmt.Errorf("aead: init cipher: %w", err)
	}

	c := &Cipher{aead: a}
	if _, err := rand.Read(c.nonce[:]); err != nil {
		return nil, fmt.Errorf("aead: seed nonce: %w", err)
	}
	return c, nil
}

// Encrypt seals data under the current nonce, then increments the nonce.
// Returns the ciphertext (same length as data), the 16-byte tag, and the
// nonce that was actually used for this call.
func (c *Cipher) Encrypt(data []byte) (ciphertext, tag, nonceUsed []byte) {
	sealed := c.aead.Seal(nil, c.nonce[:], data, nil)
	ciphertext = sealed[:len(data)]
	tag = sealed[len(data):]

	nonceUsed = make([]byte, NonceSize)
	copy(nonceUsed, c.nonce[:])

	incrementNonce(&c.nonce)

	return ciphertext, tag, nonceUsed
}

// Decrypt verifies tag against ciphertext under nonce and returns the plaintext.
// It never touches the sender-side nonce counter — decrypt is receive-path only.
func (c *Cipher) Decrypt(ciphertext, tag, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrAuth
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}

// incrementNonce treats nonce as a big-endian 96-bit counter and adds one,
// wrapping on overflow. 2^96 encryptions never happen in practice, but the
// wrap is well-defined rather than undefined.
func incrementNonce(nonce *[NonceSize]byte) {
	for i := len(nonce) - 1; i >= 0; i-- {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}
