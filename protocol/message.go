package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/criapa/torpaste/limits"
)

// MessageType identifies what a wire message carries.
type MessageType string

const (
	// MessageText is an ordinary chat message; content is the text.
	MessageText MessageType = "text"

	// MessageFile announces a file transfer; content is the JSON-encoded
	// FileMetadata.
	MessageFile MessageType = "file"

	// MessageHandshake carries a clear handshake payload; content is the
	// JSON-encoded HandshakePayload.
	MessageHandshake MessageType = "handshake"

	// MessageKeepAlive keeps an idle session's connection open. It is
	// sealed and sequence-numbered like any other message.
	MessageKeepAlive MessageType = "keepalive"

	// MessageDisconnect announces an orderly teardown.
	MessageDisconnect MessageType = "disconnect"
)

// ErrMalformedMessage is returned when a wire message is missing a
// required field or carries an unknown type.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Message is the unit peers exchange, in its decrypted form (or in the
// clear for the handshake type). Unknown fields received from a peer are
// ignored; required fields missing on decode reject the message.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Sender    string      `json:"sender"`
	Content   string      `json:"content,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence"`
}

// FileMetadata describes an announced file transfer. Only the metadata
// crosses the wire here; content transfer is a separate concern.
type FileMetadata struct {
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	MimeType string `json:"mime_type"`
}

// NewMessage builds a message of the given type with a fresh ID and the
// current timestamp. The sequence is assigned later, when a session
// seals the message.
func NewMessage(msgType MessageType, sender, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().Unix(),
	}
}

// NewTextMessage builds a text message.
func NewTextMessage(sender, text string) *Message {
	return NewMessage(MessageText, sender, text)
}

// NewFileMessage builds a file-announcement message from its metadata.
func NewFileMessage(sender string, meta FileMetadata) (*Message, error) {
	content, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding file metadata: %w", err)
	}
	return NewMessage(MessageFile, sender, string(content)), nil
}

// NewKeepAlive builds a keep-alive message.
func NewKeepAlive(sender string) *Message {
	return NewMessage(MessageKeepAlive, sender, "")
}

// NewDisconnect builds an orderly-teardown message.
func NewDisconnect(sender string) *Message {
	return NewMessage(MessageDisconnect, sender, "")
}

// Encode serializes the message for transmission.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return data, nil
}

// DecodeMessage parses and validates a wire message. Unknown fields are
// ignored; a missing required field or unknown type fails with
// ErrMalformedMessage.
func DecodeMessage(data []byte) (*Message, error) {
	if err := limits.ValidatePlaintextMessage(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the required fields. Content is required for the types
// that carry a payload and optional for keep-alive and disconnect.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	if m.Timestamp == 0 {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedMessage)
	}

	switch m.Type {
	case MessageText, MessageFile, MessageHandshake:
		if m.Content == "" {
			return fmt.Errorf("%w: missing content for type %q", ErrMalformedMessage, m.Type)
		}
	case MessageKeepAlive, MessageDisconnect:
		// content optional
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	return nil
}

// FileMetadataContent parses the content of a file-announcement message.
func (m *Message) FileMetadataContent() (*FileMetadata, error) {
	if m.Type != MessageFile {
		return nil, fmt.Errorf("%w: not a file message", ErrMalformedMessage)
	}
	var meta FileMetadata
	if err := json.Unmarshal([]byte(m.Content), &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if meta.Name == "" {
		return nil, fmt.Errorf("%w: file metadata missing name", ErrMalformedMessage)
	}
	return &meta, nil
}
