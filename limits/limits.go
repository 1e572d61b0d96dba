package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage is the largest decrypted message body delivered
	// to the consumer (256 KiB).
	MaxPlaintextMessage = 256 * 1024

	// EncryptionOverhead is the growth of a sealed payload over its
	// padded plaintext: the Poly1305 authentication tag.
	EncryptionOverhead = 16

	// paddingSlack is the worst-case growth from bucket padding: one
	// delimiter byte can push the plaintext into the next 4 KiB block.
	paddingSlack = 4096

	// MaxSealedPayload is the largest ciphertext a well-formed peer can
	// produce from a maximum plaintext after padding and sealing.
	MaxSealedPayload = MaxPlaintextMessage + paddingSlack + EncryptionOverhead

	// MaxHandshakePayload is the largest clear handshake message accepted
	// before any session exists. The sender is unauthenticated at that
	// point, so this is kept small (4 KiB).
	MaxHandshakePayload = 4096

	// MaxFrameSize is the absolute cap on a single length-prefixed frame
	// read from the transport (1 MiB). This bounds memory committed per
	// read before any content validation has run.
	MaxFrameSize = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePlaintextMessage validates a plaintext message size against
// MaxPlaintextMessage. Returns an error with context if the message is
// empty or exceeds the limit.
func ValidatePlaintextMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxPlaintextMessage {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxPlaintextMessage)
	}
	return nil
}

// ValidateSealedPayload validates a ciphertext size against MaxSealedPayload.
// Returns an error with context if the payload is empty or exceeds the limit.
func ValidateSealedPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxSealedPayload {
		return fmt.Errorf("%w: sealed size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxSealedPayload)
	}
	return nil
}

// ValidateHandshakePayload validates a clear handshake message size against
// MaxHandshakePayload. Handshake input is unauthenticated and must be
// validated before any parsing.
func ValidateHandshakePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxHandshakePayload {
		return fmt.Errorf("%w: handshake size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxHandshakePayload)
	}
	return nil
}

// ValidateFrameSize validates raw frame data against the absolute maximum
// (MaxFrameSize). This limit prevents memory exhaustion and should be
// applied to all untrusted transport input.
func ValidateFrameSize(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxFrameSize)
	}
	return nil
}
