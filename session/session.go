package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/limits"
	"github.com/criapa/torpaste/protocol"
)

var (
	// ErrSessionClosed is returned for any operation on a torn-down
	// session. Its keys are already wiped.
	ErrSessionClosed = errors.New("session: closed")

	// ErrSequenceMismatch is returned when a frame authenticates but
	// the sequence inside the message disagrees with the frame header.
	ErrSequenceMismatch = errors.New("session: message sequence does not match frame header")

	// ErrSenderMismatch is returned when a frame authenticates but
	// names a sender other than the session's peer.
	ErrSenderMismatch = errors.New("session: message sender does not match peer")
)

// Session is the established crypto context with one peer: directional
// keys, the outbound sequence counter, and the inbound replay window.
// All methods are safe for concurrent use; sealing is serialized so
// sequence order matches call order.
type Session struct {
	mu sync.Mutex

	peer        *address.Address
	id          [crypto.SessionIDSize]byte
	keys        *crypto.SessionKeys
	sendSeq     uint64
	window      replayWindow
	established time.Time
	closed      bool

	// consecutive authentication failures since the last good frame;
	// the connection manager tears the session down past a threshold.
	authFailures int
}

// newSession wraps freshly derived keys. Called by the handshake on the
// Established transition; not constructed anywhere else.
func newSession(peer *address.Address, id [crypto.SessionIDSize]byte, keys *crypto.SessionKeys) *Session {
	return &Session{
		peer:        peer,
		id:          id,
		keys:        keys,
		established: time.Now(),
	}
}

// Peer returns the address of the session's remote side.
func (s *Session) Peer() *address.Address {
	return s.peer
}

// ID returns the session identifier shared by both endpoints.
func (s *Session) ID() [crypto.SessionIDSize]byte {
	return s.id
}

// EstablishedAt returns when the handshake completed.
func (s *Session) EstablishedAt() time.Time {
	return s.established
}

// SealOutbound assigns the next sequence number to the message, seals
// it, and returns the sealed frame payload ready for transmission.
// Sequences start at 0 and never repeat within a session.
func (s *Session) SealOutbound(msg *protocol.Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	seq := s.sendSeq
	msg.Sequence = seq

	plaintext, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return nil, err
	}

	padded := crypto.Pad(plaintext)
	crypto.ZeroBytes(plaintext)

	nonce := crypto.SessionNonce(s.keys.SendNoncePrefix, seq)
	ciphertext, err := crypto.Seal(s.keys.SendKey, nonce, protocol.SealedAAD(seq), padded)
	crypto.ZeroBytes(padded)
	if err != nil {
		return nil, fmt.Errorf("sealing outbound frame: %w", err)
	}

	// The counter only advances once a frame is actually produced, so a
	// rejected oversized message does not burn a sequence number.
	s.sendSeq++

	return protocol.EncodeSealed(seq, ciphertext), nil
}

// OpenInbound authenticates and decrypts a sealed frame payload. Stale
// and duplicate sequences are rejected with ErrReplayRejected before any
// decryption work; authentication failures return crypto.ErrAuthFailure
// and never advance the replay window.
func (s *Session) OpenInbound(payload []byte) (*protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	seq, ciphertext, err := protocol.DecodeSealed(payload)
	if err != nil {
		return nil, err
	}

	if err := s.window.Check(seq); err != nil {
		logrus.WithFields(logrus.Fields{
			"peer":     s.peer.String(),
			"sequence": seq,
		}).Debug("Dropping replayed or stale frame")
		return nil, err
	}

	nonce := crypto.SessionNonce(s.keys.RecvNoncePrefix, seq)
	padded, err := crypto.Open(s.keys.RecvKey, nonce, protocol.SealedAAD(seq), ciphertext)
	if err != nil {
		s.authFailures++
		return nil, err
	}

	// Authentication succeeded: the frame is genuine, mark it seen even
	// if its inner structure turns out to be broken.
	s.window.Mark(seq)
	s.authFailures = 0

	plaintext, err := crypto.Unpad(padded)
	if err != nil {
		crypto.ZeroBytes(padded)
		return nil, err
	}

	msg, err := protocol.DecodeMessage(plaintext)
	crypto.ZeroBytes(padded)
	if err != nil {
		return nil, err
	}

	if msg.Sequence != seq {
		return nil, ErrSequenceMismatch
	}
	if msg.Sender != s.peer.String() {
		return nil, ErrSenderMismatch
	}
	return msg, nil
}

// ConsecutiveAuthFailures returns how many frames in a row have failed
// authentication since the last good one.
func (s *Session) ConsecutiveAuthFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFailures
}

// Close wipes the session keys and makes every further operation fail
// with ErrSessionClosed. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.keys.Wipe()
}
