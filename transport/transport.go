// Package transport defines the duplex channel between the engine and
// the backend relay.
//
// The real-time connection itself (handshake, heartbeat, wire framing)
// lives behind the Transport interface; the engine only needs Send, an
// inbound event stream, and connectivity change callbacks. The package
// also provides Loopback, an in-process relay used by the engine tests
// and the demo client.
package transport

import (
	"context"
	"errors"
)

// EventType identifies the logical type of a wire event.
type EventType uint8

const (
	// EventMessage carries a chat message.
	EventMessage EventType = iota
	// EventNotification carries a routed notification.
	EventNotification
	// EventTemporalNotification carries a real-time-only notification.
	EventTemporalNotification
	// EventAck is the relay's confirmation for a sent event id.
	EventAck
	// EventDelete asks recipients to purge a prior message.
	EventDelete
	// EventOpen announces a conversation being opened.
	EventOpen
	// EventClose announces a conversation being closed.
	EventClose
	// EventConversationStatus reports a conversation status change.
	EventConversationStatus
	// EventGroupCreate requests or announces group creation.
	EventGroupCreate
	// EventGroupAdd requests or announces a member addition.
	EventGroupAdd
	// EventGroupRemove requests or announces a member removal.
	EventGroupRemove
	// EventGroupList carries the set of group ids this session belongs to.
	EventGroupList
	// EventInfo requests metadata for a conversation or id list.
	EventInfo
	// EventConversations requests the conversation list since a timestamp.
	EventConversations
	// EventMessages requests the message history of one conversation.
	EventMessages
	// EventConversationDelete removes a conversation from history.
	EventConversationDelete
	// EventSync requests pending inbound history since the watermark.
	EventSync
	// EventResponse answers a request event, correlated by id.
	EventResponse
)

// Status is the connectivity state of the transport.
type Status uint8

const (
	// StatusDisconnected means events cannot currently be sent.
	StatusDisconnected Status = iota
	// StatusConnected means the duplex channel is up.
	StatusConnected
)

var (
	// ErrDisconnected indicates a send was attempted with no connection.
	ErrDisconnected = errors.New("transport disconnected")
	// ErrSendFailed indicates a transient send failure.
	ErrSendFailed = errors.New("transport send failed")
)

// Event is the wire unit exchanged with the relay. ID is the message id
// for message-bearing events and the correlation id for request/response
// pairs. ServerTimestamp is assigned by the relay on inbound events.
type Event struct {
	Type            EventType         `json:"type"`
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	Sender          string            `json:"sender,omitempty"`
	Payload         []byte            `json:"payload,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	ServerTimestamp int64             `json:"server_timestamp,omitempty"`
	Encrypted       bool              `json:"encrypted,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// EventHandler receives inbound events in relay order.
type EventHandler func(Event)

// StatusHandler receives connectivity changes.
type StatusHandler func(Status)

// Transport is the duplex channel abstraction the engine drives.
type Transport interface {
	// Send hands an event to the relay, honoring ctx for the per-attempt
	// timeout. A nil error means the relay accepted the event for
	// routing, not that it was delivered.
	Send(ctx context.Context, ev Event) error

	// SetEventHandler registers the inbound event sink. Events are
	// delivered one at a time in relay order.
	SetEventHandler(EventHandler)

	// SetStatusHandler registers the connectivity sink.
	SetStatusHandler(StatusHandler)

	// IsConnected reports the current connectivity state.
	IsConnected() bool

	// Close tears down the channel.
	Close() error
}
