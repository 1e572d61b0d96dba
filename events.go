package torpaste

import (
	"time"

	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/protocol"
)

// EventKind names a consumer-visible transition.
type EventKind string

const (
	// EventHandshakeCompleted fires when a session with the peer is
	// established, whichever side initiated.
	EventHandshakeCompleted EventKind = "handshake_completed"

	// EventHandshakeFailed fires when an outbound handshake attempt is
	// abandoned. Reason carries one of the Reason constants.
	EventHandshakeFailed EventKind = "handshake_failed"

	// EventMessageReceived fires for each text or file message after
	// replay and authentication checks pass.
	EventMessageReceived EventKind = "message_received"

	// EventConnectionLost fires when an established session is torn
	// down by anything other than a local Disconnect.
	EventConnectionLost EventKind = "connection_lost"

	// EventConnectionFailed fires after the retry budget for a peer is
	// spent. The core stops dialing until Connect is called again.
	EventConnectionFailed EventKind = "connection_failed"
)

// Reason values carried by failure events and metric labels. These are
// stable strings; raw error text stays in the logs.
const (
	ReasonTimeout      = "timeout"
	ReasonMalformed    = "malformed"
	ReasonTransport    = "transport"
	ReasonIdle         = "idle"
	ReasonAuthFailures = "auth_failures"
	ReasonRateLimited  = "rate_limited"
	ReasonClosedByPeer = "closed_by_peer"
)

// MessageMeta is the wire metadata of a received message.
type MessageMeta struct {
	ID        string
	Type      protocol.MessageType
	Timestamp time.Time
	Sequence  uint64
}

// Event is one entry on the core's outbound event channel. Address is
// always set; the remaining fields depend on Kind.
type Event struct {
	Kind    EventKind
	Address *address.Address

	// Reason is set for the failure and loss kinds.
	Reason string

	// Text carries the plaintext of a received text message.
	Text string

	// File carries the metadata of a received file announcement.
	File *protocol.FileMetadata

	// Meta is set for EventMessageReceived.
	Meta MessageMeta
}

func metaOf(msg *protocol.Message) MessageMeta {
	return MessageMeta{
		ID:        msg.ID,
		Type:      msg.Type,
		Timestamp: time.Unix(msg.Timestamp, 0),
		Sequence:  msg.Sequence,
	}
}
