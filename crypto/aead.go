package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the size of an XChaCha20-Poly1305 nonce. The extended
	// 192-bit space lets nonces be built deterministically from a random
	// per-direction prefix plus the message sequence without any
	// birthday-bound collision risk.
	NonceSize = chacha20poly1305.NonceSizeX

	// TagOverhead is the growth of a sealed message over its plaintext.
	TagOverhead = chacha20poly1305.Overhead
)

// ErrAuthFailure indicates a ciphertext failed authentication. It covers
// tampered ciphertext, a wrong key, a wrong nonce, and mismatched
// associated data; callers cannot and must not distinguish between them.
var ErrAuthFailure = errors.New("crypto: message authentication failed")

// Seal encrypts and authenticates plaintext with XChaCha20-Poly1305,
// binding the optional associated data into the authentication tag. The
// same (key, nonce) pair must never seal two different messages.
func Seal(key [KeySize]byte, nonce [NonceSize]byte, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open authenticates and decrypts a ciphertext produced by Seal. The
// associated data must match what the sealer supplied byte for byte.
// On failure it returns ErrAuthFailure and no plaintext.
func Open(key [KeySize]byte, nonce [NonceSize]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// SessionNonce builds the deterministic nonce for one sealed session
// frame: the direction's 16-byte prefix followed by the big-endian
// 64-bit sequence number. Prefixes differ per direction, so the two
// directions of a session can never collide on a nonce.
func SessionNonce(prefix [NoncePrefixSize]byte, sequence uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[:NoncePrefixSize], prefix[:])
	binary.BigEndian.PutUint64(nonce[NoncePrefixSize:], sequence)
	return nonce
}
