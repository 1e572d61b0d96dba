// Package identity owns the local long-term key pair and the network
// address derived from it. The private key never leaves the package:
// signing happens through methods on Identity, and at-rest copies exist
// only inside the password-sealed envelope produced by Export.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/crypto"
)

// SeedSize is the size of the Ed25519 seed an identity is built from.
const SeedSize = ed25519.SeedSize

var (
	// ErrWiped is returned when a signing or export operation is
	// attempted on an identity whose key material has been destroyed.
	ErrWiped = errors.New("identity: key material has been wiped")
)

// Identity is the local long-term identity: an Ed25519 key pair, the
// network address committed to by its public key, and the creation time.
// The zero value is unusable; construct through Create, FromSeed, Load,
// Import, or FromRecoveryPhrase.
type Identity struct {
	addr       *address.Address
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	createdAt  time.Time
	wiped      bool
}

// Create generates a fresh identity. The only failure mode is the
// entropy source; that error is fatal and not retryable.
func Create() (*Identity, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrEntropyFailure, err)
	}
	defer crypto.ZeroBytes(seed)

	return newFromSeed(seed, time.Now())
}

// FromSeed deterministically rebuilds an identity from a 32-byte Ed25519
// seed. The creation time is set to now; the original creation time is
// not recoverable from a seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	return newFromSeed(seed, time.Now())
}

func newFromSeed(seed []byte, createdAt time.Time) (*Identity, error) {
	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	addr, err := address.FromPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("deriving address: %w", err)
	}

	return &Identity{
		addr:       addr,
		publicKey:  publicKey,
		privateKey: privateKey,
		createdAt:  createdAt.UTC().Truncate(time.Second),
	}, nil
}

// Address returns the network address derived from the public key.
func (id *Identity) Address() *address.Address {
	return id.addr
}

// PublicKey returns the long-term Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.publicKey
}

// Fingerprint returns the short human-checkable digest of the public key.
func (id *Identity) Fingerprint() address.Fingerprint {
	return address.FingerprintOf(id.publicKey)
}

// CreatedAt returns when the identity was first generated.
func (id *Identity) CreatedAt() time.Time {
	return id.createdAt
}

// Sign signs a message with the long-term private key. The long-term key
// authenticates handshakes only; it takes no part in session encryption,
// so its compromise never decrypts past traffic.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if id.wiped {
		return nil, ErrWiped
	}
	return ed25519.Sign(id.privateKey, message), nil
}

// Wipe destroys the private key material in memory. The identity keeps
// answering address and public-key queries but can no longer sign or be
// exported.
func (id *Identity) Wipe() {
	if id.wiped {
		return
	}
	crypto.ZeroBytes(id.privateKey)
	id.privateKey = nil
	id.wiped = true
}

// seed returns the private key's seed for export and recovery encoding.
func (id *Identity) seed() ([]byte, error) {
	if id.wiped {
		return nil, ErrWiped
	}
	return id.privateKey.Seed(), nil
}
