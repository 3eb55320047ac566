// ABOUTME: Channel abstraction: transports, live connections, and their event stream.
// ABOUTME: Concrete chat networks implement Transport and Connection.

package channel

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when no live connection exists.
var ErrNotConnected = errors.New("channel not connected")

// State is the connection state reported by the supervisor.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
)

// EventKind identifies a connection event.
type EventKind int

const (
	// EventPairingCode carries a code the operator must use to link the account.
	EventPairingCode EventKind = iota
	EventConnecting
	EventOpen
	// EventClose ends the connection. No further events follow.
	EventClose
	// EventMessages carries inbound messages.
	EventMessages
)

func (k EventKind) String() string {
	switch k {
	case EventPairingCode:
		return "pairing_code"
	case EventConnecting:
		return "connecting"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventMessages:
		return "messages"
	}
	return "unknown"
}

// CloseReason explains why a connection closed.
type CloseReason struct {
	// LoggedOut means the credentials were revoked; reconnecting cannot succeed.
	LoggedOut bool
	Err       error
}

// Delivery distinguishes live messages from replayed backlog.
type Delivery string

const (
	DeliveryNotify Delivery = "notify"
	DeliveryAppend Delivery = "append"
)

// InboundMessage is one chat message received from the network.
type InboundMessage struct {
	ID             string
	SenderID       string
	ConversationID string
	IsGroup        bool
	Text           string
	SenderName     string
	FromSelf       bool
}

// MessageBatch is a set of messages delivered together.
type MessageBatch struct {
	Delivery Delivery
	Messages []InboundMessage
}

// Event is one item of a connection's event stream.
type Event struct {
	Kind        EventKind
	PairingCode string
	Close       CloseReason
	Batch       MessageBatch
}

// Presence is a typing indicator state.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Transport opens connections to a chat network using persisted credentials.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// Connection is one live session with a chat network.
type Connection interface {
	// Events streams connection events. The channel is closed when the
	// connection ends, normally right after an EventClose.
	Events() <-chan Event
	Send(ctx context.Context, conversationID, text string) error
	SetPresence(ctx context.Context, conversationID string, presence Presence) error
	GroupSubject(ctx context.Context, conversationID string) (string, error)
	Close() error
}
