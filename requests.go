package relaycore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/message"
	"github.com/opd-ai/relaycore/transport"
)

// Conversation summarizes one conversation the relay knows about.
type Conversation struct {
	ID            string `json:"id"`
	LastTimestamp int64  `json:"last_timestamp"`
}

// GroupInfo describes a group conversation.
type GroupInfo struct {
	ID      string
	Members []string
	Info    map[string]string
}

// request sends a correlated event and blocks for the relay's response,
// up to RequestTimeout. A response carrying a relay error surfaces as
// *RelayError.
func (e *Engine) request(ev transport.Event) (transport.Event, error) {
	if !e.channel.IsConnected() {
		return transport.Event{}, ErrNotConnected
	}

	ch := make(chan transport.Event, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return transport.Event{}, ErrClosed
	}
	e.pending[ev.ID] = ch
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.pending, ev.ID)
		e.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
	defer cancel()

	if err := e.channel.Send(ctx, ev); err != nil {
		cleanup()
		return transport.Event{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return transport.Event{}, ErrClosed
		}
		if resp.Error != "" {
			return transport.Event{}, &RelayError{Description: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		logrus.WithFields(logrus.Fields{
			"request_id": ev.ID,
			"type":       int(ev.Type),
		}).Warn("Relay request timed out")
		return transport.Event{}, ErrRequestTimeout
	}
}

// requestSync asks the relay to redeliver every stored event newer than
// the sync watermark. Redelivered events flow through the normal inbound
// path, so the ledger filters anything already applied.
func (e *Engine) requestSync(withGroups bool) error {
	if _, err := e.admit(); err != nil {
		return err
	}
	if !e.channel.IsConnected() {
		return ErrNotConnected
	}

	since := e.watermark()
	params := map[string]string{
		"since": strconv.FormatInt(since, 10),
	}
	if withGroups {
		params["groups"] = "true"
	}

	logrus.WithFields(logrus.Fields{
		"since":  since,
		"groups": withGroups,
	}).Debug("Requesting pending history")

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.SendTimeout)
	defer cancel()
	return e.channel.Send(ctx, transport.Event{
		Type:   transport.EventSync,
		ID:     uuid.NewString(),
		Params: params,
	})
}

// GetPendingMessages requests redelivery of stored events past the
// watermark.
func (e *Engine) GetPendingMessages() error {
	return e.requestSync(false)
}

// GetPendingMessagesWithGroups additionally requests the session's
// group membership list, delivered as a GroupList notification.
func (e *Engine) GetPendingMessagesWithGroups() error {
	return e.requestSync(true)
}

// GetConversationsSince fetches up to qty conversation summaries with
// activity newer than since, most recent first per the relay's order.
func (e *Engine) GetConversationsSince(since int64, qty int) ([]Conversation, error) {
	if _, err := e.admit(); err != nil {
		return nil, err
	}

	resp, err := e.request(transport.Event{
		Type: transport.EventConversations,
		ID:   uuid.NewString(),
		Params: map[string]string{
			"since": strconv.FormatInt(since, 10),
			"qty":   strconv.Itoa(qty),
		},
	})
	if err != nil {
		return nil, err
	}

	var conversations []Conversation
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &conversations); err != nil {
			return nil, fmt.Errorf("decode conversations: %w", err)
		}
	}
	return conversations, nil
}

// GetConversationMessages fetches up to qty stored messages of one
// conversation newer than since.
func (e *Engine) GetConversationMessages(conversationID string, since int64, qty int) ([]*message.Message, error) {
	if _, err := e.admit(); err != nil {
		return nil, err
	}

	resp, err := e.request(transport.Event{
		Type:           transport.EventMessages,
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Params: map[string]string{
			"since": strconv.FormatInt(since, 10),
			"qty":   strconv.Itoa(qty),
		},
	})
	if err != nil {
		return nil, err
	}

	var events []transport.Event
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &events); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}

	messages := make([]*message.Message, 0, len(events))
	for _, ev := range events {
		messages = append(messages, messageFromEvent(ev))
	}
	return messages, nil
}

// CreateGroup creates a group conversation and returns its id. An empty
// groupID lets the relay assign one.
func (e *Engine) CreateGroup(groupID string, members []string, info map[string]string, push string) (string, error) {
	sess, err := e.admit()
	if err != nil {
		return "", err
	}

	params := map[string]string{
		"members": strings.Join(members, ","),
	}
	if groupID != "" {
		params["group_id"] = groupID
	}
	if push != "" {
		params[paramPush] = push
	}

	var payload []byte
	if len(info) > 0 {
		payload, err = json.Marshal(info)
		if err != nil {
			return "", fmt.Errorf("encode group info: %w", err)
		}
	}

	resp, err := e.request(transport.Event{
		Type:    transport.EventGroupCreate,
		ID:      uuid.NewString(),
		Sender:  sess.SessionID,
		Params:  params,
		Payload: payload,
	})
	if err != nil {
		return "", err
	}

	created := resp.Params["group_id"]
	logrus.WithFields(logrus.Fields{
		"group_id": created,
		"members":  len(members),
	}).Info("Group created")
	return created, nil
}

// AddGroupMember adds a session to a group.
func (e *Engine) AddGroupMember(groupID, member string) error {
	return e.membership(transport.EventGroupAdd, groupID, member)
}

// RemoveGroupMember removes a session from a group.
func (e *Engine) RemoveGroupMember(groupID, member string) error {
	return e.membership(transport.EventGroupRemove, groupID, member)
}

func (e *Engine) membership(eventType transport.EventType, groupID, member string) error {
	sess, err := e.admit()
	if err != nil {
		return err
	}

	_, err = e.request(transport.Event{
		Type:   eventType,
		ID:     uuid.NewString(),
		Sender: sess.SessionID,
		Params: map[string]string{
			"group_id": groupID,
			"member":   member,
		},
	})
	return err
}

// GetInfo fetches the relay's metadata for one conversation or group.
func (e *Engine) GetInfo(conversationID string) (map[string]string, error) {
	infos, err := e.GetInfoByIDs(conversationID)
	if err != nil {
		return nil, err
	}
	return infos[conversationID], nil
}

// GetInfoByIDs fetches metadata for several conversations in one
// request, keyed by conversation id.
func (e *Engine) GetInfoByIDs(ids ...string) (map[string]map[string]string, error) {
	if _, err := e.admit(); err != nil {
		return nil, err
	}

	resp, err := e.request(transport.Event{
		Type: transport.EventInfo,
		ID:   uuid.NewString(),
		Params: map[string]string{
			"ids": strings.Join(ids, ","),
		},
	})
	if err != nil {
		return nil, err
	}

	var infos map[string]map[string]string
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &infos); err != nil {
			return nil, fmt.Errorf("decode info: %w", err)
		}
	}
	return infos, nil
}

// DeleteConversation asks the relay to drop a conversation's stored
// history for this session.
func (e *Engine) DeleteConversation(conversationID string) error {
	if _, err := e.admit(); err != nil {
		return err
	}

	_, err := e.request(transport.Event{
		Type:           transport.EventConversationDelete,
		ID:             uuid.NewString(),
		ConversationID: conversationID,
	})
	return err
}

// OpenConversation announces that the caller is viewing a conversation.
// The relay answers with conversation status updates over the normal
// event stream.
func (e *Engine) OpenConversation(conversationID string) error {
	return e.announce(transport.EventOpen, conversationID)
}

// CloseConversation announces that the caller stopped viewing a
// conversation.
func (e *Engine) CloseConversation(conversationID string) error {
	return e.announce(transport.EventClose, conversationID)
}

func (e *Engine) announce(eventType transport.EventType, conversationID string) error {
	sess, err := e.admit()
	if err != nil {
		return err
	}
	if !e.channel.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.SendTimeout)
	defer cancel()
	return e.channel.Send(ctx, transport.Event{
		Type:           eventType,
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sess.SessionID,
	})
}
