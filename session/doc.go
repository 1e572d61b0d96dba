// Package session implements the per-peer cryptographic state: the
// handshake state machine that turns an ephemeral key exchange into
// directional session keys, and the established session that seals and
// opens wire messages with replay protection.
//
// A handshake walks Idle → KeyExchangeSent (initiator) or Idle →
// KeyExchangeReceived (responder) → Established, or into the terminal
// Failed state. Both roles discard their ephemeral private keys the
// moment session keys exist, so compromising a long-term identity key
// later never decrypts a recorded session.
//
// An established Session assigns strictly increasing sequence numbers on
// send and keeps a sliding window on receive: stale or duplicate
// sequences are rejected before any decryption work, and failed
// authentication never advances the window, so an attacker cannot use
// garbage frames to push legitimate traffic out of the window.
package session
