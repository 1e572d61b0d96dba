// Package address implements the self-certifying network addresses peers
// are known by. An address is the version 3 onion-service encoding of an
// Ed25519 public key, so knowing a peer's address is the same as knowing
// which long-term key must stand behind it. Parsing verifies the embedded
// checksum; no lookup or directory is involved.
package address

import (
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// EncodedLen is the length of the base32 host label of a version 3
	// onion address.
	EncodedLen = 56

	// Suffix terminates the printable form of every address.
	Suffix = ".onion"

	// addressVersion is the onion service protocol version encoded in
	// the trailing byte of the address.
	addressVersion = 0x03

	checksumSize = 2
)

var (
	// ErrInvalidAddress is returned for input that is not a well-formed
	// version 3 onion address.
	ErrInvalidAddress = errors.New("address: malformed onion address")

	// ErrChecksumMismatch is returned when an address decodes cleanly
	// but its embedded checksum does not match its public key.
	ErrChecksumMismatch = errors.New("address: checksum mismatch")

	// ErrUnsupportedVersion is returned for onion addresses of a version
	// other than 3.
	ErrUnsupportedVersion = errors.New("address: unsupported onion address version")
)

// onionEncoding is unpadded base32; onion hosts are conventionally
// lowercase, which String and Parse normalize.
var onionEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Address is a parsed network address: the peer's long-term Ed25519
// public key plus the onion checksum over it.
type Address struct {
	PublicKey [ed25519.PublicKeySize]byte
	Checksum  [checksumSize]byte
	Version   byte
}

// FromPublicKey derives the network address committed to by an Ed25519
// public key.
func FromPublicKey(publicKey ed25519.PublicKey) (*Address, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidAddress
	}

	addr := &Address{Version: addressVersion}
	copy(addr.PublicKey[:], publicKey)
	addr.Checksum = onionChecksum(addr.PublicKey, addressVersion)
	return addr, nil
}

// Parse decodes and verifies an address string. The ".onion" suffix is
// optional and case is ignored. The returned address is guaranteed
// internally consistent: its checksum matches its public key.
func Parse(s string) (*Address, error) {
	host := strings.ToLower(strings.TrimSpace(s))
	host = strings.TrimSuffix(host, Suffix)
	if len(host) != EncodedLen {
		return nil, ErrInvalidAddress
	}

	raw, err := onionEncoding.DecodeString(strings.ToUpper(host))
	if err != nil {
		return nil, ErrInvalidAddress
	}
	if len(raw) != ed25519.PublicKeySize+checksumSize+1 {
		return nil, ErrInvalidAddress
	}

	addr := &Address{Version: raw[len(raw)-1]}
	copy(addr.PublicKey[:], raw[:ed25519.PublicKeySize])
	copy(addr.Checksum[:], raw[ed25519.PublicKeySize:ed25519.PublicKeySize+checksumSize])

	if addr.Version != addressVersion {
		return nil, ErrUnsupportedVersion
	}
	if addr.Checksum != onionChecksum(addr.PublicKey, addr.Version) {
		return nil, ErrChecksumMismatch
	}
	return addr, nil
}

// String returns the canonical printable form: 56 lowercase base32
// characters followed by ".onion".
func (a *Address) String() string {
	return a.Host() + Suffix
}

// Host returns the bare base32 label without the ".onion" suffix.
func (a *Address) Host() string {
	raw := make([]byte, 0, ed25519.PublicKeySize+checksumSize+1)
	raw = append(raw, a.PublicKey[:]...)
	raw = append(raw, a.Checksum[:]...)
	raw = append(raw, a.Version)
	return strings.ToLower(onionEncoding.EncodeToString(raw))
}

// Equal reports whether two addresses name the same peer.
func (a *Address) Equal(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.PublicKey == other.PublicKey && a.Version == other.Version
}

// MatchesKey reports whether this address is the commitment to the given
// public key. Peers prove ownership of an address by signing with the
// matching key; callers use this to tie that proof back to the address.
func (a *Address) MatchesKey(publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	var pk [ed25519.PublicKeySize]byte
	copy(pk[:], publicKey)
	return a.PublicKey == pk
}

// onionChecksum computes the two-byte checksum defined by the version 3
// onion address format: SHA3-256(".onion checksum" ‖ pubkey ‖ version).
func onionChecksum(publicKey [ed25519.PublicKeySize]byte, version byte) [checksumSize]byte {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(publicKey[:])
	h.Write([]byte{version})
	sum := h.Sum(nil)

	var checksum [checksumSize]byte
	copy(checksum[:], sum[:checksumSize])
	return checksum
}
