// Package limits provides centralized message size constants and validation
// functions for the wire protocol. Every component that touches untrusted
// input validates against the same limits, so an oversized frame is rejected
// identically whether it arrives on a fresh connection or mid-session.
//
// # Size Hierarchy
//
// The limits form a strict hierarchy matched to the stages of message
// processing:
//
//   - MaxPlaintextMessage (256 KiB): the largest decrypted message body a
//     session will deliver to the consumer.
//
//   - MaxSealedPayload: MaxPlaintextMessage after bucket padding and
//     authenticated-encryption overhead; the largest ciphertext a
//     well-formed peer can produce.
//
//   - MaxHandshakePayload (4 KiB): the largest clear handshake message
//     accepted before any session keys exist. Kept tight because the
//     sender is entirely unauthenticated at that point.
//
//   - MaxFrameSize (1 MiB): the absolute cap on a single length-prefixed
//     frame read from the transport. This bounds memory committed per
//     read before any validation has run.
//
// # Validation Functions
//
// Each validation function checks for empty input and limit violations:
//
//	err := limits.ValidatePlaintextMessage(message)
//	if err != nil {
//		// reject before any further processing
//	}
package limits
