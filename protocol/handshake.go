package protocol

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/limits"
)

// Version is the protocol version spoken by this implementation. A
// handshake carrying any other version is rejected.
const Version = 1

// Signing context strings. The initiator signs only its own ephemeral
// key; the responder signs the full exchange, binding its reply to the
// initiator's offer. Distinct prefixes keep a captured initiator
// signature from being replayed as a responder's.
const (
	initContext = "torpaste/handshake/v1/init"
	respContext = "torpaste/handshake/v1/resp"
)

var (
	// ErrMalformedHandshake is returned for a handshake payload that
	// cannot be parsed or fails field validation.
	ErrMalformedHandshake = errors.New("protocol: malformed handshake")

	// ErrBadHandshakeSignature is returned when a handshake payload
	// parses but its signature does not verify under the claimed
	// identity key.
	ErrBadHandshakeSignature = errors.New("protocol: handshake signature verification failed")
)

// HandshakePayload is the clear content of a handshake message. The
// identity key authenticates the sender (the sender's address commits to
// it); the ephemeral key feeds the session key derivation and is never
// signed into anything that outlives the session.
type HandshakePayload struct {
	Version      int    `json:"version"`
	IdentityKey  []byte `json:"identity_key"`
	EphemeralKey []byte `json:"ephemeral_key"`
	Signature    []byte `json:"signature"`
}

// Signer produces handshake signatures without exposing the private key.
// The identity store satisfies this.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// initSigningInput builds the byte string an initiator signs.
func initSigningInput(ephemeral [crypto.KeySize]byte) []byte {
	input := make([]byte, 0, len(initContext)+crypto.KeySize)
	input = append(input, initContext...)
	input = append(input, ephemeral[:]...)
	return input
}

// respSigningInput builds the byte string a responder signs. It covers
// both ephemeral keys, so the response can only answer this exchange.
func respSigningInput(initiatorEph, responderEph [crypto.KeySize]byte) []byte {
	input := make([]byte, 0, len(respContext)+2*crypto.KeySize)
	input = append(input, respContext...)
	input = append(input, initiatorEph[:]...)
	input = append(input, responderEph[:]...)
	return input
}

// BuildInitPayload signs and assembles the handshake an initiator sends.
func BuildInitPayload(signer Signer, ephemeral [crypto.KeySize]byte) (*HandshakePayload, error) {
	sig, err := signer.Sign(initSigningInput(ephemeral))
	if err != nil {
		return nil, fmt.Errorf("signing handshake: %w", err)
	}
	return &HandshakePayload{
		Version:      Version,
		IdentityKey:  append([]byte(nil), signer.PublicKey()...),
		EphemeralKey: ephemeral[:],
		Signature:    sig,
	}, nil
}

// BuildRespPayload signs and assembles the handshake a responder replies
// with after receiving the initiator's ephemeral key.
func BuildRespPayload(signer Signer, initiatorEph, responderEph [crypto.KeySize]byte) (*HandshakePayload, error) {
	sig, err := signer.Sign(respSigningInput(initiatorEph, responderEph))
	if err != nil {
		return nil, fmt.Errorf("signing handshake: %w", err)
	}
	return &HandshakePayload{
		Version:      Version,
		IdentityKey:  append([]byte(nil), signer.PublicKey()...),
		EphemeralKey: responderEph[:],
		Signature:    sig,
	}, nil
}

// Encode serializes the payload for embedding in a handshake message.
func (p *HandshakePayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	return string(data), nil
}

// DecodeHandshakePayload parses and structurally validates a clear
// handshake payload. Signature verification is separate; see VerifyInit
// and VerifyResp.
func DecodeHandshakePayload(content string) (*HandshakePayload, error) {
	if err := limits.ValidateHandshakePayload([]byte(content)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	var p HandshakePayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	if p.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHandshake, p.Version)
	}
	if len(p.IdentityKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: identity key length %d", ErrMalformedHandshake, len(p.IdentityKey))
	}
	if len(p.EphemeralKey) != crypto.KeySize {
		return nil, fmt.Errorf("%w: ephemeral key length %d", ErrMalformedHandshake, len(p.EphemeralKey))
	}
	if len(p.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d", ErrMalformedHandshake, len(p.Signature))
	}
	return &p, nil
}

// Ephemeral returns the payload's ephemeral key as a fixed-size array.
func (p *HandshakePayload) Ephemeral() [crypto.KeySize]byte {
	var key [crypto.KeySize]byte
	copy(key[:], p.EphemeralKey)
	return key
}

// VerifyInit checks an initiator payload's signature.
func (p *HandshakePayload) VerifyInit() error {
	if !ed25519.Verify(p.IdentityKey, initSigningInput(p.Ephemeral()), p.Signature) {
		return ErrBadHandshakeSignature
	}
	return nil
}

// VerifyResp checks a responder payload's signature against the
// initiator's own ephemeral key, tying the reply to this exchange.
func (p *HandshakePayload) VerifyResp(initiatorEph [crypto.KeySize]byte) error {
	if !ed25519.Verify(p.IdentityKey, respSigningInput(initiatorEph, p.Ephemeral()), p.Signature) {
		return ErrBadHandshakeSignature
	}
	return nil
}
