package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NoncePrefixSize is the size of the per-direction nonce prefix
	// derived alongside the session keys.
	NoncePrefixSize = 16

	// SessionIDSize is the size of the session identifier derived from
	// the handshake transcript.
	SessionIDSize = 16
)

// sessionKeyLabel binds derived session keys to this protocol and version.
const sessionKeyLabel = "torpaste/session/v1"

// ErrKeyDerivation indicates session key derivation produced unusable key
// material (including the pathological case of equal directional keys).
var ErrKeyDerivation = errors.New("crypto: session key derivation failed")

// SessionKeys holds the directional key material for one endpoint of an
// established session. Direction separation guarantees that the
// initiator's SendKey equals the responder's RecvKey and vice versa; the
// two keys held by one endpoint are never equal.
type SessionKeys struct {
	SendKey         [KeySize]byte
	RecvKey         [KeySize]byte
	SendNoncePrefix [NoncePrefixSize]byte
	RecvNoncePrefix [NoncePrefixSize]byte
}

// DeriveSessionKeys expands a raw X25519 shared secret into directional
// session keys and nonce prefixes using HKDF-SHA256. The info string binds
// the output to this protocol version and to the two ephemeral public
// keys of the handshake, so a secret negotiated in one exchange can never
// key a different one. Pass initiator=true on the side that sent the
// first handshake message.
func DeriveSessionKeys(shared, initiatorEph, responderEph [KeySize]byte, initiator bool) (*SessionKeys, error) {
	info := make([]byte, 0, len(sessionKeyLabel)+2*KeySize)
	info = append(info, sessionKeyLabel...)
	info = append(info, initiatorEph[:]...)
	info = append(info, responderEph[:]...)

	material := make([]byte, 2*KeySize+2*NoncePrefixSize)
	hk := hkdf.New(sha256.New, shared[:], nil, info)
	if _, err := io.ReadFull(hk, material); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	defer ZeroBytes(material)

	toResponder := material[:KeySize]
	toInitiator := material[KeySize : 2*KeySize]
	prefixToResponder := material[2*KeySize : 2*KeySize+NoncePrefixSize]
	prefixToInitiator := material[2*KeySize+NoncePrefixSize:]

	// A session whose two directions share a key would make nonce reuse
	// across directions exploitable; reject outright.
	if subtle.ConstantTimeCompare(toResponder, toInitiator) == 1 {
		return nil, ErrKeyDerivation
	}

	keys := &SessionKeys{}
	if initiator {
		copy(keys.SendKey[:], toResponder)
		copy(keys.RecvKey[:], toInitiator)
		copy(keys.SendNoncePrefix[:], prefixToResponder)
		copy(keys.RecvNoncePrefix[:], prefixToInitiator)
	} else {
		copy(keys.SendKey[:], toInitiator)
		copy(keys.RecvKey[:], toResponder)
		copy(keys.SendNoncePrefix[:], prefixToInitiator)
		copy(keys.RecvNoncePrefix[:], prefixToResponder)
	}
	return keys, nil
}

// SessionID derives the public session identifier from the two ephemeral
// keys of the handshake transcript. Both endpoints compute the same value.
func SessionID(initiatorEph, responderEph [KeySize]byte) [SessionIDSize]byte {
	h := sha256.New()
	h.Write([]byte(sessionKeyLabel))
	h.Write(initiatorEph[:])
	h.Write(responderEph[:])
	sum := h.Sum(nil)

	var id [SessionIDSize]byte
	copy(id[:], sum[:SessionIDSize])
	return id
}

// Wipe erases all key material held by the SessionKeys.
func (sk *SessionKeys) Wipe() {
	if sk == nil {
		return
	}
	ZeroBytes(sk.SendKey[:])
	ZeroBytes(sk.RecvKey[:])
	ZeroBytes(sk.SendNoncePrefix[:])
	ZeroBytes(sk.RecvNoncePrefix[:])
}
