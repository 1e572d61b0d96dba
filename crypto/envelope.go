package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// envelopeVersion is the current password-envelope format version.
const envelopeVersion = 1

var (
	// ErrEnvelopeCorrupt is returned for a blob whose structure cannot
	// be parsed: missing prefix, broken JSON, or unusable parameters.
	ErrEnvelopeCorrupt = errors.New("crypto: envelope corrupt")

	// ErrEnvelopeAuth is returned when an envelope parses but its
	// ciphertext fails authentication. A wrong password and a tampered
	// blob are indistinguishable and report the same error.
	ErrEnvelopeAuth = errors.New("crypto: envelope authentication failed")
)

// passwordEnvelope is the at-rest form of a password-sealed blob. Cost
// parameters travel in the clear header so blobs sealed under older
// defaults keep opening after defaults change.
type passwordEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryMB uint32 `json:"kdf_memory_mb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// SealWithPassword seals plaintext under a password-stretched key and
// returns prefix ‖ envelope JSON. The prefix is bound into the
// ciphertext as associated data, so an envelope sealed for one blob
// kind cannot be replayed as another: swapping prefixes fails
// authentication, not just parsing.
func SealWithPassword(prefix string, plaintext, password []byte, params Argon2Params) ([]byte, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	key, err := StretchPassword(password, salt, params)
	if err != nil {
		return nil, fmt.Errorf("stretching password: %w", err)
	}
	defer ZeroBytes(key[:])

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyFailure, err)
	}

	ciphertext, err := Seal(key, nonce, []byte(prefix), plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing envelope: %w", err)
	}

	raw, err := json.Marshal(passwordEnvelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     params.Time,
		KDFMemoryMB: params.MemMiB,
		KDFThreads:  params.Threads,
		Salt:        salt[:],
		Nonce:       nonce[:],
		Ciphertext:  ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return append([]byte(prefix), raw...), nil
}

// OpenWithPassword opens a blob produced by SealWithPassword under the
// same prefix. The caller wipes the returned plaintext when done.
func OpenWithPassword(prefix string, blob, password []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, []byte(prefix)) {
		return nil, ErrEnvelopeCorrupt
	}

	var env passwordEnvelope
	if err := json.Unmarshal(blob[len(prefix):], &env); err != nil {
		return nil, ErrEnvelopeCorrupt
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, ErrEnvelopeCorrupt
	}
	if len(env.Salt) != SaltSize || len(env.Nonce) != NonceSize {
		return nil, ErrEnvelopeCorrupt
	}

	var salt [SaltSize]byte
	copy(salt[:], env.Salt)
	key, err := StretchPassword(password, salt, Argon2Params{
		Time:    env.KDFTime,
		MemMiB:  env.KDFMemoryMB,
		Threads: env.KDFThreads,
	})
	if err != nil {
		return nil, ErrEnvelopeCorrupt
	}
	defer ZeroBytes(key[:])

	var nonce [NonceSize]byte
	copy(nonce[:], env.Nonce)

	plaintext, err := Open(key, nonce, []byte(prefix), env.Ciphertext)
	if err != nil {
		return nil, ErrEnvelopeAuth
	}
	return plaintext, nil
}
