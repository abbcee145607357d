// Package message defines the unit of delivery exchanged between the
// device and the relay.
//
// Messages are created by the delivery engine, persisted by the outbox
// until acknowledged, and handed by reference to collaborators for the
// duration of a single operation.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the logical type of a message.
type Kind uint8

const (
	// KindText is a regular chat message.
	KindText Kind = iota
	// KindNotification is a lightweight notification routed like a message.
	KindNotification
	// KindTemporalNotification is a real-time-only notification. It is
	// never persisted and is lost if the recipient is offline.
	KindTemporalNotification
	// KindFile is a message whose payload travels through the bulk
	// transfer path; the message itself carries the locator.
	KindFile
	// KindDelete asks conversation members to purge a prior message.
	KindDelete
)

// Direction indicates whether a message originated locally or at the relay.
type Direction uint8

const (
	// Outgoing messages were created on this device.
	Outgoing Direction = iota
	// Incoming messages arrived from the relay.
	Incoming
)

// Status is the delivery state of an outgoing message.
type Status uint8

const (
	// StatusPendingLocal means the message is persisted locally but has
	// not been handed to the transport.
	StatusPendingLocal Status = iota
	// StatusSentUnacked means the transport accepted the message but the
	// relay has not acknowledged it.
	StatusSentUnacked
	// StatusAcked means the relay confirmed receipt. Terminal success.
	StatusAcked
	// StatusFailed means the last attempt failed and a retry is pending.
	StatusFailed
	// StatusFailedTerminal means the retry budget is exhausted or the
	// failure is not retriable. Terminal failure.
	StatusFailedTerminal
	// StatusDelivered means the recipient's device received the message.
	StatusDelivered
	// StatusRead means the recipient read the message.
	StatusRead
)

// String returns a short name for the status, used in log fields.
func (s Status) String() string {
	switch s {
	case StatusPendingLocal:
		return "pending_local"
	case StatusSentUnacked:
		return "sent_unacked"
	case StatusAcked:
		return "acked"
	case StatusFailed:
		return "failed"
	case StatusFailedTerminal:
		return "failed_terminal"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// Message is the unit of delivery. ID is immutable and unique across
// the lifetime of a conversation; ordering for display uses
// ServerTimestamp once the relay assigns one, CreatedAt until then.
type Message struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversation_id"`
	Sender          string            `json:"sender,omitempty"`
	Kind            Kind              `json:"kind"`
	Payload         []byte            `json:"payload,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	Push            string            `json:"push,omitempty"`
	Direction       Direction         `json:"direction"`
	Status          Status            `json:"status"`
	Encrypted       bool              `json:"encrypted,omitempty"`
	Compressed      bool              `json:"compressed,omitempty"`
	FileName        string            `json:"file_name,omitempty"`
	CreatedAt       int64             `json:"created_at"`
	ServerTimestamp int64             `json:"server_timestamp,omitempty"`
}

// New creates an outgoing message in StatusPendingLocal with a fresh
// globally unique id and the current wall clock in unix milliseconds.
func New(conversationID string, kind Kind, payload []byte, params map[string]string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           kind,
		Payload:        payload,
		Params:         params,
		Direction:      Outgoing,
		Status:         StatusPendingLocal,
		CreatedAt:      time.Now().UnixMilli(),
	}
}

// IsOutgoing reports whether the message was created on this device.
func (m *Message) IsOutgoing() bool {
	return m.Direction == Outgoing
}

// DisplayTimestamp returns the relay-assigned timestamp once known and
// the local creation time until then.
func (m *Message) DisplayTimestamp() int64 {
	if m.ServerTimestamp != 0 {
		return m.ServerTimestamp
	}
	return m.CreatedAt
}
