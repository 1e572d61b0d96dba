package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/criapa/torpaste/crypto"
)

// envelopePrefix marks a sealed identity blob. The prefix is bound into
// the ciphertext as associated data, so it cannot be stripped or
// swapped without failing authentication.
const envelopePrefix = "TPENC1\n"

const recordVersion = 1

var (
	// ErrCorrupt is returned when a stored identity blob cannot be
	// parsed: wrong prefix, broken JSON, or unusable parameters.
	ErrCorrupt = errors.New("identity: storage blob is corrupt")

	// ErrWrongPassword is returned when a sealed blob parses but fails
	// authentication. Tampering is indistinguishable from a wrong
	// password and reports the same error.
	ErrWrongPassword = errors.New("identity: wrong password")

	// ErrPasswordRequired is returned by Export when no password is
	// supplied; identities are never written to disk unsealed.
	ErrPasswordRequired = errors.New("identity: password is required")
)

// record is the plaintext sealed inside an identity envelope.
type record struct {
	Version   int       `json:"version"`
	Seed      []byte    `json:"seed"`
	CreatedAt time.Time `json:"created_at"`
}

// Export seals the identity under a password-stretched key and returns a
// storable blob. The password must be non-empty; the identity never
// touches disk in the clear.
func Export(id *Identity, password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	return seal(id, password, crypto.DefaultArgon2Params)
}

func seal(id *Identity, password []byte, params crypto.Argon2Params) ([]byte, error) {
	seed, err := id.seed()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(seed)

	plaintext, err := json.Marshal(record{
		Version:   recordVersion,
		Seed:      seed,
		CreatedAt: id.createdAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding identity record: %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	blob, err := crypto.SealWithPassword(envelopePrefix, plaintext, password, params)
	if err != nil {
		return nil, fmt.Errorf("sealing identity: %w", err)
	}
	return blob, nil
}

// Import opens a blob produced by Export. A wrong password and a
// tampered blob both return ErrWrongPassword; structural damage returns
// ErrCorrupt.
func Import(blob, password []byte) (*Identity, error) {
	plaintext, err := crypto.OpenWithPassword(envelopePrefix, blob, password)
	if err != nil {
		if errors.Is(err, crypto.ErrEnvelopeAuth) {
			return nil, ErrWrongPassword
		}
		return nil, ErrCorrupt
	}
	defer crypto.ZeroBytes(plaintext)

	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, ErrCorrupt
	}
	if rec.Version != recordVersion || len(rec.Seed) != SeedSize {
		return nil, ErrCorrupt
	}

	id, err := newFromSeed(rec.Seed, rec.CreatedAt)
	crypto.ZeroBytes(rec.Seed)
	if err != nil {
		return nil, ErrCorrupt
	}
	return id, nil
}

// Load restores an identity from its at-rest blob. The password may be
// nil; blobs are always sealed, so omitting the password of a sealed
// blob reports ErrWrongPassword rather than succeeding silently.
func Load(blob, password []byte) (*Identity, error) {
	return Import(blob, password)
}
