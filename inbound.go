package relaycore

import (
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/message"
	"github.com/opd-ai/relaycore/outbox"
	"github.com/opd-ai/relaycore/transport"
)

// handleEvent is the single entry point for transport events. It runs
// on the transport's dispatch goroutine, so every inbound state
// transition is naturally serialized.
func (e *Engine) handleEvent(ev transport.Event) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	switch ev.Type {
	case transport.EventAck:
		e.handleAck(ev)
	case transport.EventResponse:
		e.handleResponse(ev)
	case transport.EventMessage, transport.EventNotification,
		transport.EventTemporalNotification, transport.EventDelete:
		e.handleInbound(ev)
	case transport.EventGroupCreate:
		e.events.emit(Notification{Type: GroupCreated, GroupID: ev.ConversationID, Member: ev.Sender})
	case transport.EventGroupAdd:
		e.events.emit(Notification{Type: GroupAdded, GroupID: ev.ConversationID, Member: paramOf(ev, "member")})
	case transport.EventGroupRemove:
		e.events.emit(Notification{Type: GroupRemoved, GroupID: ev.ConversationID, Member: paramOf(ev, "member")})
	case transport.EventGroupList:
		e.events.emit(Notification{Type: GroupList, GroupIDs: decodeGroupIDs(ev.Payload)})
	case transport.EventOpen:
		e.events.emit(Notification{Type: ConversationOpened, ConversationID: ev.ConversationID, Member: ev.Sender})
	case transport.EventClose:
		e.events.emit(Notification{Type: ConversationClosed, ConversationID: ev.ConversationID, Member: ev.Sender})
	case transport.EventConversationStatus:
		e.events.emit(Notification{
			Type:           ConversationStatusChanged,
			ConversationID: ev.ConversationID,
			Status:         paramOf(ev, "status"),
		})
	default:
		logrus.WithFields(logrus.Fields{
			"type": int(ev.Type),
			"id":   ev.ID,
		}).Debug("Ignoring unhandled transport event")
	}
}

// handleAck reconciles a relay confirmation against the outbox. Acks
// for unknown ids are ignored; an ack carrying a relay error is a
// terminal rejection, never retried.
func (e *Engine) handleAck(ev transport.Event) {
	msg, err := e.outbox.Get(ev.ID)
	if err != nil {
		if !errors.Is(err, outbox.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"message_id": ev.ID,
				"error":      err.Error(),
			}).Error("Failed to look up acked message")
		}
		return
	}

	if ev.Error != "" {
		e.failTerminal(msg, &RelayError{Description: ev.Error})
		return
	}

	if err := e.outbox.MarkAcked(ev.ID); err != nil {
		if !errors.Is(err, outbox.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"message_id": ev.ID,
				"error":      err.Error(),
			}).Error("Failed to settle ack")
		}
		return
	}

	msg.Status = message.StatusAcked
	msg.ServerTimestamp = ev.ServerTimestamp
	e.advanceWatermark(ev.ServerTimestamp)

	logrus.WithFields(logrus.Fields{
		"message_id":       msg.ID,
		"conversation_id":  msg.ConversationID,
		"server_timestamp": ev.ServerTimestamp,
	}).Debug("Message acked")

	e.events.emit(Notification{Type: AckReceived, Message: msg, ConversationID: msg.ConversationID})
	e.kickNext()
}

// handleResponse routes a correlated reply to the waiting request.
func (e *Engine) handleResponse(ev transport.Event) {
	e.mu.Lock()
	ch, ok := e.pending[ev.ID]
	if ok {
		delete(e.pending, ev.ID)
	}
	e.mu.Unlock()

	if ok {
		ch <- ev
	}
}

// handleInbound applies a message-like event: ledger first, so a
// redelivered event is dropped before any visible effect, then the
// watermark, then exactly one notification.
func (e *Engine) handleInbound(ev transport.Event) {
	if ev.ID == "" {
		return
	}

	if ev.Type != transport.EventTemporalNotification {
		if e.ledger.Seen(ev.ID) {
			logrus.WithFields(logrus.Fields{
				"event_id": ev.ID,
			}).Debug("Dropping duplicate inbound event")
			return
		}
		if err := e.ledger.RecordSeen(ev.ID, ev.ServerTimestamp); err != nil {
			// Without a durable ledger record the event could surface
			// twice after a crash, so drop it and rely on redelivery.
			logrus.WithFields(logrus.Fields{
				"event_id": ev.ID,
				"error":    err.Error(),
			}).Error("Ledger write failed, dropping event for redelivery")
			return
		}
		e.advanceWatermark(ev.ServerTimestamp)
	}

	e.mu.Lock()
	ownSessionID := ""
	if e.sess != nil {
		ownSessionID = e.sess.SessionID
	}
	e.mu.Unlock()

	// The relay echoes this device's own messages during history sync.
	// They are recorded above so the watermark advances past them, but
	// they never surface as received.
	if ev.Sender != "" && ev.Sender == ownSessionID {
		return
	}

	msg := messageFromEvent(ev)

	var decryptErr error
	if msg.Encrypted && msg.Kind != message.KindFile {
		plaintext, err := e.boundary.Decrypt(msg.ConversationID, msg.Payload)
		if err != nil {
			// Surface the message with the error attached rather than
			// dropping it silently.
			decryptErr = err
			logrus.WithFields(logrus.Fields{
				"message_id":      msg.ID,
				"conversation_id": msg.ConversationID,
				"error":           err.Error(),
			}).Error("Inbound payload failed to decrypt")
		} else {
			msg.Payload = plaintext
			msg.Encrypted = false
		}
	}

	switch ev.Type {
	case transport.EventMessage:
		e.events.emit(Notification{
			Type:           MessageReceived,
			Message:        msg,
			ConversationID: msg.ConversationID,
			Err:            decryptErr,
		})
		e.events.emit(Notification{
			Type:           MessageStore,
			Message:        msg,
			ConversationID: msg.ConversationID,
		})
	case transport.EventNotification, transport.EventTemporalNotification:
		e.events.emit(Notification{
			Type:           NotificationReceived,
			Message:        msg,
			ConversationID: msg.ConversationID,
		})
	case transport.EventDelete:
		e.events.emit(Notification{
			Type:           MessageDelete,
			Message:        msg,
			ConversationID: msg.ConversationID,
		})
	}
}

// advanceWatermark persists a higher sync watermark and mirrors it on
// the live session. Lower or equal timestamps are no-ops.
func (e *Engine) advanceWatermark(ts int64) {
	if ts <= 0 {
		return
	}

	current, err := e.sessions.AdvanceLastSync(ts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"timestamp": ts,
			"error":     err.Error(),
		}).Error("Failed to advance sync watermark")
		return
	}

	e.mu.Lock()
	if e.sess != nil {
		e.sess.LastSyncTimestamp = current
	}
	e.mu.Unlock()
}

// messageFromEvent translates a wire event into an incoming message.
func messageFromEvent(ev transport.Event) *message.Message {
	kind := message.KindText
	switch ev.Type {
	case transport.EventNotification:
		kind = message.KindNotification
	case transport.EventTemporalNotification:
		kind = message.KindTemporalNotification
	case transport.EventDelete:
		kind = message.KindDelete
	}
	if ev.Params[paramKind] == "file" {
		kind = message.KindFile
	}

	msg := &message.Message{
		ID:              ev.ID,
		ConversationID:  ev.ConversationID,
		Sender:          ev.Sender,
		Kind:            kind,
		Payload:         ev.Payload,
		Params:          cloneParams(ev.Params),
		Direction:       message.Incoming,
		Status:          message.StatusDelivered,
		Encrypted:       ev.Encrypted,
		CreatedAt:       ev.ServerTimestamp,
		ServerTimestamp: ev.ServerTimestamp,
	}
	if kind == message.KindFile {
		msg.FileName = ev.Params[paramFileName]
		msg.Compressed = ev.Params[paramCompress] == "true"
	}
	return msg
}

func paramOf(ev transport.Event, key string) string {
	if ev.Params == nil {
		return ""
	}
	return ev.Params[key]
}

func decodeGroupIDs(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Malformed group list payload")
		return nil
	}
	return ids
}
