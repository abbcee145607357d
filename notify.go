package relaycore

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/message"
)

// NotificationType enumerates the events the engine broadcasts. Every
// applied inbound event produces exactly one notification; the ledger
// guarantees no duplicates.
type NotificationType uint8

const (
	// SocketStatusChange reports transport connectivity changes.
	SocketStatusChange NotificationType = iota
	// MessageReceived carries an applied inbound chat message.
	MessageReceived
	// NotificationReceived carries an applied inbound notification.
	NotificationReceived
	// AckReceived reports relay confirmation for a message this device sent.
	AckReceived
	// GroupCreated announces a group this session was placed in.
	GroupCreated
	// GroupAdded announces a member addition.
	GroupAdded
	// GroupRemoved announces a member removal.
	GroupRemoved
	// GroupList carries the set of group ids this session belongs to.
	GroupList
	// ConversationOpened announces a peer opening a conversation.
	ConversationOpened
	// ConversationClosed announces a peer closing a conversation.
	ConversationClosed
	// ConversationStatusChanged reports a conversation status update.
	ConversationStatusChanged
	// MessageStore asks the caller to persist the attached message.
	MessageStore
	// MessageDelete asks the caller to purge the referenced message.
	MessageDelete
)

// String returns a short name for the notification type.
func (t NotificationType) String() string {
	switch t {
	case SocketStatusChange:
		return "socket_status_change"
	case MessageReceived:
		return "message_received"
	case NotificationReceived:
		return "notification_received"
	case AckReceived:
		return "ack_received"
	case GroupCreated:
		return "group_created"
	case GroupAdded:
		return "group_added"
	case GroupRemoved:
		return "group_removed"
	case GroupList:
		return "group_list"
	case ConversationOpened:
		return "conversation_opened"
	case ConversationClosed:
		return "conversation_closed"
	case ConversationStatusChanged:
		return "conversation_status_changed"
	case MessageStore:
		return "message_store"
	case MessageDelete:
		return "message_delete"
	default:
		return "unknown"
	}
}

// Notification is a typed engine event delivered through Subscribe.
// Fields beyond Type are populated per variant; Err is set when an
// applied event could not be fully processed (for example a message
// whose payload failed to decrypt) so that nothing is dropped silently.
type Notification struct {
	Type           NotificationType
	Message        *message.Message
	ConversationID string
	GroupID        string
	Member         string
	GroupIDs       []string
	Status         string
	Connected      bool
	Err            error
}

// notifier fans typed notifications out to subscribers. Delivery blocks
// when a subscriber's buffer is full, preserving the exactly-once
// contract; subscribers should drain their channel. A subscriber that
// stops draining stalls delivery but never wedges unsubscribe or
// shutdown: stopping a subscriber aborts any delivery blocked on it.
type notifier struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

// subscriber pairs the delivery channel with a quit channel that
// unblocks in-flight sends. The wait group tracks senders so the
// channel is closed only once none is mid-send.
type subscriber struct {
	ch   chan Notification
	quit chan struct{}
	wg   sync.WaitGroup
}

const subscriberBuffer = 128

// stop aborts pending deliveries, waits them out, and closes the
// channel so receivers ranging over it terminate.
func (s *subscriber) stop() {
	close(s.quit)
	s.wg.Wait()
	close(s.ch)
}

func (n *notifier) subscribe() <-chan Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Notification, subscriberBuffer)
	if n.closed {
		close(ch)
		return ch
	}
	n.subs = append(n.subs, &subscriber{ch: ch, quit: make(chan struct{})})
	return ch
}

func (n *notifier) unsubscribe(ch <-chan Notification) {
	n.mu.Lock()
	var target *subscriber
	for i, sub := range n.subs {
		if sub.ch == ch {
			target = sub
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	n.mu.Unlock()

	if target != nil {
		target.stop()
	}
}

// emit delivers to every subscriber registered at the time of the call.
// Senders are registered under the lock, so stop cannot close a channel
// with a send in flight.
func (n *notifier) emit(notification Notification) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	targets := make([]*subscriber, len(n.subs))
	copy(targets, n.subs)
	for _, sub := range targets {
		sub.wg.Add(1)
	}
	n.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"notification":    notification.Type.String(),
		"conversation_id": notification.ConversationID,
	}).Debug("Broadcasting notification")

	for _, sub := range targets {
		select {
		case sub.ch <- notification:
		case <-sub.quit:
		}
		sub.wg.Done()
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}
