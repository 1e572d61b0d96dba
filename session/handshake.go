package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/protocol"
)

// State names one position in the handshake walk.
type State int

const (
	// StateIdle is the start: no ephemeral material exists yet.
	StateIdle State = iota

	// StateKeyExchangeSent means we initiated and await the responder's
	// ephemeral key.
	StateKeyExchangeSent

	// StateKeyExchangeReceived means a peer's ephemeral key arrived
	// while we were idle; our reply is on its way out.
	StateKeyExchangeReceived

	// StateEstablished is success: a Session exists and this handshake
	// is spent.
	StateEstablished

	// StateFailed is terminal for this attempt. A retry starts a fresh
	// handshake from StateIdle.
	StateFailed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeyExchangeSent:
		return "key_exchange_sent"
	case StateKeyExchangeReceived:
		return "key_exchange_received"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrHandshakeTimeout marks an attempt abandoned because the peer
	// did not complete the exchange within the configured window.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")

	// ErrHandshakeMalformed is returned when a handshake message cannot
	// be used: bad payload, bad signature, wrong state, or an identity
	// key that does not match the claimed address.
	ErrHandshakeMalformed = errors.New("session: malformed handshake")

	// ErrHandshakeSpent is returned when a finished handshake is asked
	// to do more work.
	ErrHandshakeSpent = errors.New("session: handshake already completed or failed")
)

// Handshake is one key-exchange attempt with one peer. It is created
// per attempt and discarded on completion; the ephemeral private key is
// wiped on every exit path.
//
// The zero value is not usable; construct with NewHandshake.
type Handshake struct {
	mu sync.Mutex

	signer    protocol.Signer
	localAddr *address.Address
	peerAddr  *address.Address
	state     State
	ephemeral *crypto.KeyPair
	peerEph   [crypto.KeySize]byte
}

// NewHandshake prepares an idle handshake owned by the given identity.
// For an outbound attempt peerAddr is the address being dialed; for an
// inbound attempt it is nil until the initiator's payload names it.
func NewHandshake(signer protocol.Signer, localAddr, peerAddr *address.Address) *Handshake {
	return &Handshake{
		signer:    signer,
		localAddr: localAddr,
		peerAddr:  peerAddr,
		state:     StateIdle,
	}
}

// State returns the current state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Peer returns the peer address this handshake is bound to. For inbound
// handshakes it is nil until the initiator's first message is accepted.
func (h *Handshake) Peer() *address.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peerAddr
}

// Initiate generates the ephemeral key pair and produces the handshake
// message that opens the exchange. Idle → KeyExchangeSent.
func (h *Handshake) Initiate() (*protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateIdle {
		return nil, fmt.Errorf("%w: initiate in state %s", ErrHandshakeMalformed, h.state)
	}
	if h.peerAddr == nil {
		return nil, fmt.Errorf("%w: no peer address to initiate towards", ErrHandshakeMalformed)
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		h.failLocked(err)
		return nil, err
	}
	h.ephemeral = eph

	payload, err := protocol.BuildInitPayload(h.signer, eph.Public)
	if err != nil {
		h.failLocked(err)
		return nil, err
	}
	content, err := payload.Encode()
	if err != nil {
		h.failLocked(err)
		return nil, err
	}

	h.state = StateKeyExchangeSent
	return protocol.NewMessage(protocol.MessageHandshake, h.localAddr.String(), content), nil
}

// HandleMessage consumes a peer handshake message. Depending on state it
// may produce a reply to send, an established Session, or both:
//
//   - Idle: the message is an initiator's offer; the reply carries our
//     ephemeral key and the returned Session is live (responder side).
//   - KeyExchangeSent: the message is normally the responder's answer
//     and completes the exchange with no reply needed. If it is instead
//     another initiator's offer, both sides dialed each other at once;
//     the side with the lexicographically lower address keeps the
//     initiator role and the other answers as responder.
//
// Any validation failure moves the handshake to Failed and wipes the
// ephemeral key.
func (h *Handshake) HandleMessage(msg *protocol.Message) (*protocol.Message, *Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.Type != protocol.MessageHandshake {
		return nil, nil, fmt.Errorf("%w: unexpected message type %q", ErrHandshakeMalformed, msg.Type)
	}

	switch h.state {
	case StateIdle:
		return h.respondLocked(msg)
	case StateKeyExchangeSent:
		return h.completeLocked(msg)
	case StateEstablished, StateFailed:
		return nil, nil, ErrHandshakeSpent
	default:
		return nil, nil, fmt.Errorf("%w: message in state %s", ErrHandshakeMalformed, h.state)
	}
}

// respondLocked handles an initiator's offer arriving while idle:
// Idle → KeyExchangeReceived → Established, producing the response
// message and the live session.
func (h *Handshake) respondLocked(msg *protocol.Message) (*protocol.Message, *Session, error) {
	payload, peer, err := h.verifyInitLocked(msg)
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}

	h.peerAddr = peer
	h.peerEph = payload.Ephemeral()
	h.state = StateKeyExchangeReceived

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}
	h.ephemeral = eph

	respPayload, err := protocol.BuildRespPayload(h.signer, h.peerEph, eph.Public)
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}
	content, err := respPayload.Encode()
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}

	sess, err := h.establishLocked(h.peerEph, eph.Public, false)
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}

	reply := protocol.NewMessage(protocol.MessageHandshake, h.localAddr.String(), content)
	return reply, sess, nil
}

// completeLocked handles the message answering our own offer.
func (h *Handshake) completeLocked(msg *protocol.Message) (*protocol.Message, *Session, error) {
	payload, err := protocol.DecodeHandshakePayload(msg.Content)
	if err != nil {
		h.failLocked(err)
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}

	peer, err := h.verifySenderLocked(msg.Sender, payload)
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}
	if !peer.Equal(h.peerAddr) {
		err := fmt.Errorf("%w: answer from %s, expected %s", ErrHandshakeMalformed, peer, h.peerAddr)
		h.failLocked(err)
		return nil, nil, err
	}

	if err := payload.VerifyResp(h.ephemeral.Public); err == nil {
		h.peerEph = payload.Ephemeral()
		sess, err := h.establishLocked(h.ephemeral.Public, h.peerEph, true)
		if err != nil {
			h.failLocked(err)
			return nil, nil, err
		}
		return nil, sess, nil
	}

	// Not a response. If it verifies as another initiator's offer, the
	// peer dialed us at the same moment we dialed it.
	if err := payload.VerifyInit(); err != nil {
		h.failLocked(err)
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	return h.crossConnectLocked(payload)
}

// crossConnectLocked resolves a simultaneous open. The lower address
// keeps the initiator role: if that is us, the offer is ignored and we
// keep waiting for the peer's response to our own; if it is the peer, we
// answer as responder, reusing our ephemeral key for that role.
func (h *Handshake) crossConnectLocked(payload *protocol.HandshakePayload) (*protocol.Message, *Session, error) {
	if h.localAddr.String() < h.peerAddr.String() {
		logrus.WithFields(logrus.Fields{
			"peer": h.peerAddr.String(),
		}).Debug("Simultaneous handshake, keeping initiator role")
		return nil, nil, nil
	}

	h.peerEph = payload.Ephemeral()

	respPayload, err := protocol.BuildRespPayload(h.signer, h.peerEph, h.ephemeral.Public)
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}
	content, err := respPayload.Encode()
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}

	sess, err := h.establishLocked(h.peerEph, h.ephemeral.Public, false)
	if err != nil {
		h.failLocked(err)
		return nil, nil, err
	}

	reply := protocol.NewMessage(protocol.MessageHandshake, h.localAddr.String(), content)
	return reply, sess, nil
}

// verifyInitLocked validates an initiator payload: structure, signature,
// and the commitment between identity key and claimed sender address.
func (h *Handshake) verifyInitLocked(msg *protocol.Message) (*protocol.HandshakePayload, *address.Address, error) {
	payload, err := protocol.DecodeHandshakePayload(msg.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	if err := payload.VerifyInit(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	peer, err := h.verifySenderLocked(msg.Sender, payload)
	if err != nil {
		return nil, nil, err
	}
	if h.peerAddr != nil && !peer.Equal(h.peerAddr) {
		return nil, nil, fmt.Errorf("%w: offer from %s, expected %s", ErrHandshakeMalformed, peer, h.peerAddr)
	}
	return payload, peer, nil
}

// verifySenderLocked parses the claimed sender address and checks that
// the payload's identity key is the one the address commits to. This is
// the only authentication the protocol needs: an attacker cannot claim
// an address without the matching key, because the address is derived
// from it.
func (h *Handshake) verifySenderLocked(sender string, payload *protocol.HandshakePayload) (*address.Address, error) {
	peer, err := address.Parse(sender)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable sender address: %v", ErrHandshakeMalformed, err)
	}
	if !peer.MatchesKey(payload.IdentityKey) {
		return nil, fmt.Errorf("%w: identity key does not match address %s", ErrHandshakeMalformed, peer)
	}
	if peer.Equal(h.localAddr) {
		return nil, fmt.Errorf("%w: handshake with own address", ErrHandshakeMalformed)
	}
	return peer, nil
}

// establishLocked computes the shared secret, derives session keys, and
// builds the Session. The ephemeral private key is wiped here no matter
// the outcome; from this point only the derived keys exist.
func (h *Handshake) establishLocked(initiatorEph, responderEph [crypto.KeySize]byte, initiator bool) (*Session, error) {
	theirEph := responderEph
	if !initiator {
		theirEph = initiatorEph
	}

	shared, err := crypto.ComputeShared(h.ephemeral.Private, theirEph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	keys, err := crypto.DeriveSessionKeys(shared, initiatorEph, responderEph, initiator)
	crypto.ZeroBytes(shared[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}

	h.ephemeral.Wipe()
	h.state = StateEstablished

	id := crypto.SessionID(initiatorEph, responderEph)
	return newSession(h.peerAddr, id, keys), nil
}

// Fail moves the handshake to the terminal Failed state, wiping any
// ephemeral material. Used by the owner for timeouts and transport
// errors; internal validation failures arrive here on their own.
func (h *Handshake) Fail(reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateEstablished || h.state == StateFailed {
		return
	}
	h.failLocked(reason)
}

func (h *Handshake) failLocked(reason error) {
	if h.ephemeral != nil {
		h.ephemeral.Wipe()
	}
	prior := h.state
	h.state = StateFailed

	logrus.WithFields(logrus.Fields{
		"prior_state": prior.String(),
		"error":       reason,
	}).Debug("Handshake failed")
}
