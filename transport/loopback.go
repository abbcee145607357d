package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Loopback is an in-process relay. It assigns monotonically increasing
// server timestamps, acknowledges message-bearing events, keeps routed
// history for sync requests, and answers group and query requests from
// its own tables. Tests and the demo client use it in place of a real
// connection; it can simulate disconnects, transient send failures, and
// relay rejections.
type Loopback struct {
	mu            sync.Mutex
	connected     bool
	closed        bool
	eventHandler  EventHandler
	statusHandler StatusHandler
	nextTimestamp int64
	history       []Event
	groups        map[string]*loopbackGroup
	rejections    map[string]string
	failNext      int

	inbound chan Event
	done    chan struct{}
}

type loopbackGroup struct {
	Members []string
	Info    map[string]string
}

// NewLoopback creates a loopback relay, initially disconnected.
func NewLoopback() *Loopback {
	lb := &Loopback{
		nextTimestamp: 1000,
		groups:        make(map[string]*loopbackGroup),
		rejections:    make(map[string]string),
		inbound:       make(chan Event, 256),
		done:          make(chan struct{}),
	}
	go lb.dispatch()
	return lb
}

func (lb *Loopback) dispatch() {
	for {
		select {
		case ev := <-lb.inbound:
			lb.mu.Lock()
			handler := lb.eventHandler
			lb.mu.Unlock()
			if handler != nil {
				handler(ev)
			}
		case <-lb.done:
			return
		}
	}
}

// SetEventHandler implements Transport.
func (lb *Loopback) SetEventHandler(handler EventHandler) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.eventHandler = handler
}

// SetStatusHandler implements Transport.
func (lb *Loopback) SetStatusHandler(handler StatusHandler) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.statusHandler = handler
}

// IsConnected implements Transport.
func (lb *Loopback) IsConnected() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.connected
}

// Close implements Transport.
func (lb *Loopback) Close() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return nil
	}
	lb.closed = true
	lb.connected = false
	close(lb.done)
	return nil
}

// SetConnected flips the simulated connectivity and notifies the engine,
// the way a reconnecting socket would.
func (lb *Loopback) SetConnected(connected bool) {
	lb.mu.Lock()
	if lb.closed || lb.connected == connected {
		lb.mu.Unlock()
		return
	}
	lb.connected = connected
	handler := lb.statusHandler
	lb.mu.Unlock()

	if handler == nil {
		return
	}
	if connected {
		handler(StatusConnected)
	} else {
		handler(StatusDisconnected)
	}
}

// FailNextSends makes the next n sends fail with ErrSendFailed.
func (lb *Loopback) FailNextSends(n int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.failNext = n
}

// RejectID makes the relay reject the given event id with a semantic
// error instead of acknowledging it.
func (lb *Loopback) RejectID(id, description string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.rejections[id] = description
}

// InjectEvent delivers an arbitrary inbound event, assigning a server
// timestamp when the event carries none. Used to simulate peer traffic
// and duplicate deliveries.
func (lb *Loopback) InjectEvent(ev Event) {
	lb.mu.Lock()
	if ev.ServerTimestamp == 0 {
		ev.ServerTimestamp = lb.stamp()
	}
	if stored(ev.Type) {
		lb.history = append(lb.history, ev)
	}
	lb.mu.Unlock()
	lb.deliver(ev)
}

// History returns a copy of the events the relay has routed and stored.
func (lb *Loopback) History() []Event {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]Event, len(lb.history))
	copy(out, lb.history)
	return out
}

// Send implements Transport.
func (lb *Loopback) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lb.mu.Lock()
	if lb.closed || !lb.connected {
		lb.mu.Unlock()
		return ErrDisconnected
	}
	if lb.failNext > 0 {
		lb.failNext--
		lb.mu.Unlock()
		return ErrSendFailed
	}
	lb.mu.Unlock()

	switch ev.Type {
	case EventMessage, EventNotification, EventTemporalNotification, EventDelete:
		lb.routeMessage(ev)
	case EventSync:
		lb.handleSync(ev)
	case EventGroupCreate:
		lb.handleGroupCreate(ev)
	case EventGroupAdd, EventGroupRemove:
		lb.handleMembership(ev)
	case EventInfo:
		lb.handleInfo(ev)
	case EventConversations:
		lb.handleConversations(ev)
	case EventMessages:
		lb.handleMessages(ev)
	case EventConversationDelete:
		lb.handleConversationDelete(ev)
	case EventOpen:
		lb.deliver(Event{
			Type:           EventConversationStatus,
			ID:             uuid.NewString(),
			ConversationID: ev.ConversationID,
			Params:         map[string]string{"status": "active"},
		})
	case EventClose:
		// Nothing to echo for a single connected client.
	default:
		logrus.WithFields(logrus.Fields{
			"event_type": ev.Type,
		}).Warn("Loopback dropping unsupported event type")
	}
	return nil
}

func (lb *Loopback) routeMessage(ev Event) {
	lb.mu.Lock()
	ts := lb.stamp()
	rejection, rejected := lb.rejections[ev.ID]
	if rejected {
		delete(lb.rejections, ev.ID)
	} else if stored(ev.Type) {
		ev.ServerTimestamp = ts
		lb.history = append(lb.history, ev)
	}
	lb.mu.Unlock()

	lb.deliver(Event{
		Type:            EventAck,
		ID:              ev.ID,
		ConversationID:  ev.ConversationID,
		ServerTimestamp: ts,
		Error:           rejection,
	})
}

func (lb *Loopback) handleSync(ev Event) {
	since, _ := strconv.ParseInt(ev.Params["since"], 10, 64)

	lb.mu.Lock()
	var pending []Event
	for _, stored := range lb.history {
		if stored.ServerTimestamp > since {
			pending = append(pending, stored)
		}
	}
	var groupIDs []string
	if ev.Params["groups"] == "true" {
		for id := range lb.groups {
			groupIDs = append(groupIDs, id)
		}
	}
	lb.mu.Unlock()

	for _, p := range pending {
		lb.deliver(p)
	}
	if ev.Params["groups"] == "true" {
		payload, _ := json.Marshal(groupIDs)
		lb.deliver(Event{
			Type:    EventGroupList,
			ID:      uuid.NewString(),
			Payload: payload,
		})
	}
}

func (lb *Loopback) handleGroupCreate(ev Event) {
	groupID := ev.Params["group_id"]
	if groupID == "" {
		groupID = "G:" + uuid.NewString()
	}

	var info map[string]string
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &info)
	}

	lb.mu.Lock()
	if _, exists := lb.groups[groupID]; !exists {
		var members []string
		if raw := ev.Params["members"]; raw != "" {
			members = strings.Split(raw, ",")
		}
		lb.groups[groupID] = &loopbackGroup{Members: members, Info: info}
	}
	lb.mu.Unlock()

	lb.respond(ev, map[string]string{"group_id": groupID}, nil, "")
}

func (lb *Loopback) handleMembership(ev Event) {
	groupID := ev.Params["group_id"]
	member := ev.Params["member"]

	lb.mu.Lock()
	group, ok := lb.groups[groupID]
	if ok {
		if ev.Type == EventGroupAdd {
			found := false
			for _, m := range group.Members {
				if m == member {
					found = true
					break
				}
			}
			if !found {
				group.Members = append(group.Members, member)
			}
		} else {
			kept := group.Members[:0]
			for _, m := range group.Members {
				if m != member {
					kept = append(kept, m)
				}
			}
			group.Members = kept
		}
	}
	lb.mu.Unlock()

	if !ok {
		lb.respond(ev, nil, nil, "unknown group "+groupID)
		return
	}
	lb.respond(ev, map[string]string{"group_id": groupID, "member": member}, nil, "")
}

func (lb *Loopback) handleInfo(ev Event) {
	var ids []string
	if raw := ev.Params["ids"]; raw != "" {
		ids = strings.Split(raw, ",")
	} else if ev.ConversationID != "" {
		ids = []string{ev.ConversationID}
	}

	lb.mu.Lock()
	result := make(map[string]map[string]string, len(ids))
	for _, id := range ids {
		if group, ok := lb.groups[id]; ok {
			info := map[string]string{"id": id, "members": strings.Join(group.Members, ",")}
			for k, v := range group.Info {
				info[k] = v
			}
			result[id] = info
		} else {
			result[id] = map[string]string{"id": id}
		}
	}
	lb.mu.Unlock()

	payload, _ := json.Marshal(result)
	lb.respond(ev, nil, payload, "")
}

func (lb *Loopback) handleConversations(ev Event) {
	since, _ := strconv.ParseInt(ev.Params["since"], 10, 64)
	qty, _ := strconv.Atoi(ev.Params["qty"])

	lb.mu.Lock()
	latest := make(map[string]int64)
	for _, stored := range lb.history {
		if stored.ServerTimestamp > latest[stored.ConversationID] {
			latest[stored.ConversationID] = stored.ServerTimestamp
		}
	}
	lb.mu.Unlock()

	type summary struct {
		ID            string `json:"id"`
		LastTimestamp int64  `json:"last_timestamp"`
	}
	var conversations []summary
	for id, ts := range latest {
		if ts > since {
			conversations = append(conversations, summary{ID: id, LastTimestamp: ts})
		}
	}
	for i := 1; i < len(conversations); i++ {
		for j := i; j > 0 && conversations[j].LastTimestamp < conversations[j-1].LastTimestamp; j-- {
			conversations[j], conversations[j-1] = conversations[j-1], conversations[j]
		}
	}
	if qty > 0 && len(conversations) > qty {
		conversations = conversations[:qty]
	}

	payload, _ := json.Marshal(conversations)
	lb.respond(ev, nil, payload, "")
}

func (lb *Loopback) handleMessages(ev Event) {
	since, _ := strconv.ParseInt(ev.Params["since"], 10, 64)
	qty, _ := strconv.Atoi(ev.Params["qty"])

	lb.mu.Lock()
	var matched []Event
	for _, stored := range lb.history {
		if stored.ConversationID == ev.ConversationID && stored.ServerTimestamp > since {
			matched = append(matched, stored)
		}
	}
	lb.mu.Unlock()

	if qty > 0 && len(matched) > qty {
		matched = matched[:qty]
	}

	payload, _ := json.Marshal(matched)
	lb.respond(ev, nil, payload, "")
}

func (lb *Loopback) handleConversationDelete(ev Event) {
	lb.mu.Lock()
	kept := lb.history[:0]
	for _, stored := range lb.history {
		if stored.ConversationID != ev.ConversationID {
			kept = append(kept, stored)
		}
	}
	lb.history = kept
	lb.mu.Unlock()

	lb.respond(ev, map[string]string{"conversation_id": ev.ConversationID}, nil, "")
}

// respond answers a request event with a correlated EventResponse.
func (lb *Loopback) respond(req Event, params map[string]string, payload []byte, errDescription string) {
	lb.deliver(Event{
		Type:    EventResponse,
		ID:      req.ID,
		Params:  params,
		Payload: payload,
		Error:   errDescription,
	})
}

func (lb *Loopback) deliver(ev Event) {
	select {
	case lb.inbound <- ev:
	case <-lb.done:
	}
}

// stamp returns the next server timestamp. Callers hold lb.mu.
func (lb *Loopback) stamp() int64 {
	lb.nextTimestamp++
	return lb.nextTimestamp
}

// stored reports whether the relay keeps this event type in history for
// later sync requests. Temporal notifications are real-time only.
func stored(t EventType) bool {
	switch t {
	case EventMessage, EventNotification, EventDelete:
		return true
	default:
		return false
	}
}
