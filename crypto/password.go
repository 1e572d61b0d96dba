package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the size of the random salt used when stretching a password.
const SaltSize = 16

// Argon2Params selects the cost of password stretching. Costs are stored
// alongside any blob the stretched key protects so old exports stay
// readable after defaults change.
type Argon2Params struct {
	Time    uint32
	MemMiB  uint32
	Threads uint8
}

// DefaultArgon2Params is the cost applied to new identity exports:
// 64 MiB of memory, two passes, single lane.
var DefaultArgon2Params = Argon2Params{Time: 2, MemMiB: 64, Threads: 1}

// ErrWeakParams indicates Argon2 cost parameters below the accepted floor.
var ErrWeakParams = errors.New("crypto: argon2 parameters below minimum")

// GenerateSalt returns a fresh random salt for password stretching.
func GenerateSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, fmt.Errorf("%w: %v", ErrEntropyFailure, err)
	}
	return salt, nil
}

// StretchPassword derives a symmetric key from a password and salt using
// Argon2id. The same password, salt, and parameters always produce the
// same key. The password slice is left untouched; the caller wipes it.
func StretchPassword(password []byte, salt [SaltSize]byte, params Argon2Params) ([KeySize]byte, error) {
	var key [KeySize]byte
	if params.Time < 1 || params.MemMiB < 8 || params.Threads < 1 {
		return key, ErrWeakParams
	}
	derived := argon2.IDKey(password, salt[:], params.Time, params.MemMiB*1024, params.Threads, KeySize)
	copy(key[:], derived)
	ZeroBytes(derived)
	return key, nil
}
