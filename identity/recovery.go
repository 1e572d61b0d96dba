package identity

import (
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"github.com/criapa/torpaste/crypto"
)

// ErrInvalidMnemonic is returned when a recovery phrase fails checksum
// or wordlist validation.
var ErrInvalidMnemonic = errors.New("identity: invalid recovery phrase")

// RecoveryPhrase encodes the identity's seed as a 24-word BIP-39
// mnemonic. The phrase is equivalent to the private key; anyone holding
// it can rebuild the identity and speak as its address.
func (id *Identity) RecoveryPhrase() (string, error) {
	seed, err := id.seed()
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(seed)

	mnemonic, err := bip39.NewMnemonic(seed)
	if err != nil {
		return "", ErrInvalidMnemonic
	}
	return mnemonic, nil
}

// FromRecoveryPhrase rebuilds an identity from its 24-word mnemonic.
// The derived key pair, and therefore the address, is identical to the
// one the phrase was read from.
func FromRecoveryPhrase(phrase string) (*Identity, error) {
	mnemonic := strings.Join(strings.Fields(strings.TrimSpace(phrase)), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	if len(seed) != SeedSize {
		return nil, ErrInvalidMnemonic
	}
	defer crypto.ZeroBytes(seed)

	return FromSeed(seed)
}
