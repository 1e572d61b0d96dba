package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/protocol"
)

func establishedPair(t *testing.T) (endpoint, endpoint, *Session, *Session) {
	t.Helper()
	alice := newEndpoint(t)
	bob := newEndpoint(t)
	aliceSess, bobSess := runHandshake(t, alice, bob)
	return alice, bob, aliceSess, bobSess
}

func TestSealOpenRoundTripBothDirections(t *testing.T) {
	alice, bob, aliceSess, bobSess := establishedPair(t)

	frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "to bob"))
	require.NoError(t, err)
	msg, err := bobSess.OpenInbound(frame)
	require.NoError(t, err)
	assert.Equal(t, "to bob", msg.Content)

	frame, err = bobSess.SealOutbound(protocol.NewTextMessage(bob.addr.String(), "to alice"))
	require.NoError(t, err)
	msg, err = aliceSess.OpenInbound(frame)
	require.NoError(t, err)
	assert.Equal(t, "to alice", msg.Content)
}

func TestSealOutboundSequencesAreMonotonic(t *testing.T) {
	alice, _, aliceSess, bobSess := establishedPair(t)

	for want := uint64(0); want < 10; want++ {
		frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "m"))
		require.NoError(t, err)

		msg, err := bobSess.OpenInbound(frame)
		require.NoError(t, err)
		assert.Equal(t, want, msg.Sequence, "Sequences must increase by one per send")
	}
}

func TestOpenInboundRejectsReplayedFrame(t *testing.T) {
	alice, _, aliceSess, bobSess := establishedPair(t)

	frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "once"))
	require.NoError(t, err)

	_, err = bobSess.OpenInbound(frame)
	require.NoError(t, err)

	// Identical frame again: replay, regardless of surrounding traffic
	_, err = bobSess.OpenInbound(frame)
	assert.ErrorIs(t, err, ErrReplayRejected)

	// And again after other frames have moved the window
	frame2, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "later"))
	require.NoError(t, err)
	_, err = bobSess.OpenInbound(frame2)
	require.NoError(t, err)
	_, err = bobSess.OpenInbound(frame)
	assert.ErrorIs(t, err, ErrReplayRejected)
}

func TestOpenInboundOutOfOrderDelivery(t *testing.T) {
	alice, _, aliceSess, bobSess := establishedPair(t)

	var frames [][]byte
	for i := 0; i < 3; i++ {
		frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "m"))
		require.NoError(t, err)
		frames = append(frames, frame)
	}

	// Deliver newest first; older ones are still within the window
	for i := len(frames) - 1; i >= 0; i-- {
		msg, err := bobSess.OpenInbound(frames[i])
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, uint64(i), msg.Sequence)
	}
}

func TestOpenInboundAuthFailureDoesNotAdvanceWindow(t *testing.T) {
	alice, _, aliceSess, bobSess := establishedPair(t)

	frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "genuine"))
	require.NoError(t, err)

	// Tamper with the ciphertext but keep the sequence header intact
	tampered := append([]byte(nil), frame...)
	tampered[len(tampered)-1] ^= 0x01

	_, err = bobSess.OpenInbound(tampered)
	assert.ErrorIs(t, err, crypto.ErrAuthFailure)
	assert.Equal(t, 1, bobSess.ConsecutiveAuthFailures())

	// The genuine frame with the same sequence must still open: the
	// failed attempt did not mark the sequence seen.
	msg, err := bobSess.OpenInbound(frame)
	require.NoError(t, err)
	assert.Equal(t, "genuine", msg.Content)
	assert.Equal(t, 0, bobSess.ConsecutiveAuthFailures(), "Good frame resets the failure count")
}

func TestOpenInboundRejectsForgedSequenceHeader(t *testing.T) {
	alice, _, aliceSess, bobSess := establishedPair(t)

	frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "m"))
	require.NoError(t, err)

	// Rewriting the clear sequence header changes both the nonce and
	// the associated data; the frame must fail authentication.
	forged := append([]byte(nil), frame...)
	forged[7] = 0x2a

	_, err = bobSess.OpenInbound(forged)
	assert.ErrorIs(t, err, crypto.ErrAuthFailure)
}

func TestOpenInboundRejectsFrameFromThirdParty(t *testing.T) {
	_, _, _, bobSess := establishedPair(t)
	carol, _, carolSess, _ := establishedPair(t)

	// A frame sealed in a different session cannot cross into this one
	frame, err := carolSess.SealOutbound(protocol.NewTextMessage(carol.addr.String(), "m"))
	require.NoError(t, err)

	_, err = bobSess.OpenInbound(frame)
	assert.ErrorIs(t, err, crypto.ErrAuthFailure)
}

func TestSessionKeepAliveUsesSequenceSpace(t *testing.T) {
	alice, _, aliceSess, bobSess := establishedPair(t)

	frame, err := aliceSess.SealOutbound(protocol.NewKeepAlive(alice.addr.String()))
	require.NoError(t, err)
	msg, err := bobSess.OpenInbound(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageKeepAlive, msg.Type)
	assert.Equal(t, uint64(0), msg.Sequence)

	// The next text message continues the same sequence space
	frame, err = aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "after keepalive"))
	require.NoError(t, err)
	msg, err = bobSess.OpenInbound(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Sequence)
}

func TestSessionClose(t *testing.T) {
	alice, _, aliceSess, bobSess := establishedPair(t)

	frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "before close"))
	require.NoError(t, err)

	bobSess.Close()

	_, err = bobSess.OpenInbound(frame)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = bobSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "x"))
	assert.ErrorIs(t, err, ErrSessionClosed)

	// Closing twice must not panic
	bobSess.Close()
}

func TestSessionCloseWipesKeys(t *testing.T) {
	_, _, aliceSess, _ := establishedPair(t)

	keys := aliceSess.keys
	aliceSess.Close()

	var zero [crypto.KeySize]byte
	assert.Equal(t, zero, keys.SendKey, "Send key must be wiped on close")
	assert.Equal(t, zero, keys.RecvKey, "Receive key must be wiped on close")
}

func TestOpenInboundRejectsMismatchedSender(t *testing.T) {
	alice, _, aliceSess, bobSess := establishedPair(t)

	msg := protocol.NewTextMessage(alice.addr.String(), "legit")
	frame, err := aliceSess.SealOutbound(msg)
	require.NoError(t, err)

	// Deliver to the wrong session: Carol's session with Dave knows
	// nothing of Alice. (Key mismatch fires before sender validation.)
	_, _, carolSess, _ := establishedPair(t)
	_, err = carolSess.OpenInbound(frame)
	assert.Error(t, err)

	// Within the right session the sender check passes
	decoded, err := bobSess.OpenInbound(frame)
	require.NoError(t, err)
	assert.Equal(t, alice.addr.String(), decoded.Sender)
}

// mirroredSessions builds two sessions sharing derived key material
// directly, bypassing the handshake, so tests can craft frames that a
// well-behaved SealOutbound would never produce.
func mirroredSessions(t *testing.T, alice, bob endpoint) (*Session, *Session) {
	t.Helper()

	ephI, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ephR, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	shared, err := crypto.ComputeShared(ephI.Private, ephR.Public)
	require.NoError(t, err)
	keysI, err := crypto.DeriveSessionKeys(shared, ephI.Public, ephR.Public, true)
	require.NoError(t, err)
	keysR, err := crypto.DeriveSessionKeys(shared, ephI.Public, ephR.Public, false)
	require.NoError(t, err)

	id := crypto.SessionID(ephI.Public, ephR.Public)
	return newSession(bob.addr, id, keysI), newSession(alice.addr, id, keysR)
}

func TestOpenInboundSenderMismatch(t *testing.T) {
	alice := newEndpoint(t)
	bob := newEndpoint(t)
	mallory := newEndpoint(t)
	aliceSess, bobSess := mirroredSessions(t, alice, bob)

	// A frame that authenticates but claims a third party as sender.
	// Possible only for a peer misusing its own session keys.
	frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(mallory.addr.String(), "spoof"))
	require.NoError(t, err)

	_, err = bobSess.OpenInbound(frame)
	assert.ErrorIs(t, err, ErrSenderMismatch)
}

func TestOpenInboundSequenceHeaderMismatch(t *testing.T) {
	alice := newEndpoint(t)
	bob := newEndpoint(t)
	aliceSess, bobSess := mirroredSessions(t, alice, bob)

	// Hand-seal a frame whose inner sequence disagrees with the header
	// it is sealed under. Requires the send key, so only a buggy peer
	// can produce it; it must still be rejected.
	msg := protocol.NewTextMessage(alice.addr.String(), "skewed")
	msg.Sequence = 9
	plaintext, err := msg.Encode()
	require.NoError(t, err)

	const headerSeq = 4
	nonce := crypto.SessionNonce(aliceSess.keys.SendNoncePrefix, headerSeq)
	ciphertext, err := crypto.Seal(aliceSess.keys.SendKey, nonce, protocol.SealedAAD(headerSeq), crypto.Pad(plaintext))
	require.NoError(t, err)

	_, err = bobSess.OpenInbound(protocol.EncodeSealed(headerSeq, ciphertext))
	assert.ErrorIs(t, err, ErrSequenceMismatch)
}

func TestSealOutboundRejectsOversized(t *testing.T) {
	alice, _, aliceSess, _ := establishedPair(t)

	big := make([]byte, 300*1024)
	for i := range big {
		big[i] = 'a'
	}
	_, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), string(big)))
	require.Error(t, err)

	// The failed send must not have burned sequence 0
	frame, err := aliceSess.SealOutbound(protocol.NewTextMessage(alice.addr.String(), "small"))
	require.NoError(t, err)
	seq, _, err := protocol.DecodeSealed(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}
