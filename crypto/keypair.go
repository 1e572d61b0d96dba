package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size in bytes of X25519 public keys, private keys, and
// derived symmetric keys.
const KeySize = 32

var (
	// ErrEntropyFailure indicates the system entropy source failed while
	// generating key material. This is fatal and non-retryable.
	ErrEntropyFailure = errors.New("crypto: entropy source failure")

	// ErrInvalidPublicKey indicates a peer public key that is all zeros or
	// produces a low-order shared secret.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// KeyPair is an ephemeral X25519 key pair used for a single handshake
// attempt. The private key must be wiped as soon as session keys have been
// derived from it.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new ephemeral X25519 key pair from the system
// entropy source. The private key is clamped per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyFailure, err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// Wipe erases the private half of the key pair.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}

// ComputeShared performs the X25519 Diffie-Hellman operation between a
// local private key and a peer public key. All-zero peer keys and
// low-order points are rejected.
func ComputeShared(private, peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte

	if isZeroKey(peerPublic) {
		return shared, ErrInvalidPublicKey
	}

	out, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	copy(shared[:], out)
	ZeroBytes(out)
	return shared, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
