package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/criapa/torpaste/limits"
)

// FrameKind is the first byte of every frame payload, distinguishing
// clear handshake traffic from sealed session traffic.
type FrameKind byte

const (
	// FrameHandshake carries a clear JSON handshake message. Only valid
	// before a session is established.
	FrameHandshake FrameKind = 0x01

	// FrameSealed carries an 8-byte sequence header followed by
	// ciphertext. All post-handshake traffic uses this kind.
	FrameSealed FrameKind = 0x02
)

const (
	lengthPrefixSize = 4
	sequenceSize     = 8
)

// frameAADContext is the domain label bound into every sealed frame's
// associated data alongside the sequence header.
const frameAADContext = "torpaste/frame/v1"

var (
	// ErrFrameTooLarge is returned when a length prefix announces a
	// frame beyond the transport cap.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

	// ErrInvalidFrame is returned for a frame too short to carry its
	// declared structure or with an unknown kind byte.
	ErrInvalidFrame = errors.New("protocol: invalid frame")
)

// Frame is one length-delimited unit on the stream.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// WriteFrame writes a frame as [4-byte length][kind][payload]. The
// length covers the kind byte and payload.
func WriteFrame(w io.Writer, kind FrameKind, payload []byte) error {
	total := 1 + len(payload)
	if total > limits.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	header := make([]byte, lengthPrefixSize+1)
	binary.BigEndian.PutUint32(header[:lengthPrefixSize], uint32(total))
	header[lengthPrefixSize] = byte(kind)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame, enforcing the size cap before allocating
// anything for the payload.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lengthBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	total := binary.BigEndian.Uint32(lengthBuf[:])
	if total == 0 {
		return nil, ErrInvalidFrame
	}
	if total > limits.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	kind := FrameKind(body[0])
	if kind != FrameHandshake && kind != FrameSealed {
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrInvalidFrame, body[0])
	}
	return &Frame{Kind: kind, Payload: body[1:]}, nil
}

// EncodeSealed builds a sealed frame payload: the big-endian sequence
// followed by the ciphertext. The sequence travels in the clear because
// the receiver needs it to reconstruct the nonce before it can
// authenticate anything.
func EncodeSealed(sequence uint64, ciphertext []byte) []byte {
	payload := make([]byte, sequenceSize+len(ciphertext))
	binary.BigEndian.PutUint64(payload[:sequenceSize], sequence)
	copy(payload[sequenceSize:], ciphertext)
	return payload
}

// DecodeSealed splits a sealed frame payload into its sequence header
// and ciphertext.
func DecodeSealed(payload []byte) (uint64, []byte, error) {
	if len(payload) <= sequenceSize {
		return 0, nil, fmt.Errorf("%w: sealed payload too short", ErrInvalidFrame)
	}
	sequence := binary.BigEndian.Uint64(payload[:sequenceSize])
	ciphertext := payload[sequenceSize:]
	if err := limits.ValidateSealedPayload(ciphertext); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return sequence, ciphertext, nil
}

// SealedAAD returns the associated data bound into a sealed frame: the
// domain label plus the clear sequence header. Tampering with the header
// then fails authentication rather than decrypting under a wrong nonce.
func SealedAAD(sequence uint64) []byte {
	aad := make([]byte, len(frameAADContext)+sequenceSize)
	copy(aad, frameAADContext)
	binary.BigEndian.PutUint64(aad[len(frameAADContext):], sequence)
	return aad
}
