// Package outbox implements the durable store of outgoing messages that
// have not yet been confirmed delivered by the relay.
//
// Entries survive process restarts and transport disconnects: a message
// leaves the outbox only when the relay acknowledges it or when its
// failure becomes terminal.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/message"
	"github.com/opd-ai/relaycore/storage"
)

const tableName = "outbox"

// ErrNotFound indicates the outbox holds no entry for the given id.
var ErrNotFound = errors.New("outbox entry not found")

// Entry wraps a persisted message with its retry bookkeeping. The entry
// is owned by the outbox until the message is acked or terminally
// failed. Attempts counts failed transport attempts only: a successful
// hand-off that is still waiting for its ack never consumes retry
// budget. Held entries are excluded from the send path until released,
// which keeps a file message out of the transport while its payload
// upload is in flight.
type Entry struct {
	Message       *message.Message `json:"message"`
	Attempts      int              `json:"attempts"`
	LastAttemptAt int64            `json:"last_attempt_at,omitempty"`
	Held          bool             `json:"held,omitempty"`
}

// Outbox persists unconfirmed outgoing messages. All mutations are
// atomic with respect to reads: no caller observes a half-written entry.
type Outbox struct {
	mu    sync.Mutex
	store storage.Store
}

// New creates an outbox backed by the given store.
func New(store storage.Store) *Outbox {
	return &Outbox{store: store}
}

// Enqueue persists a new outgoing message with zero attempts. Enqueue is
// idempotent on id: re-enqueueing an existing id returns the stored
// entry untouched, even when the payload differs (messages are immutable
// once persisted).
func (o *Outbox) Enqueue(msg *message.Message) (*Entry, error) {
	return o.enqueue(msg, false)
}

// EnqueueHeld persists a new outgoing message that is not yet eligible
// for sending. The entry is invisible to OldestUnsent and
// PendingInOrder until Release.
func (o *Outbox) EnqueueHeld(msg *message.Message) (*Entry, error) {
	return o.enqueue(msg, true)
}

func (o *Outbox) enqueue(msg *message.Message, held bool) (*Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, err := o.load(msg.ID); err == nil {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
		}).Debug("Enqueue of existing id is a no-op")
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	entry := &Entry{Message: msg, Held: held}
	if err := o.persist(entry); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"kind":            msg.Kind,
		"held":            held,
	}).Debug("Message enqueued")

	return entry, nil
}

// Release makes a held entry eligible for sending.
func (o *Outbox) Release(id string) error {
	return o.update(id, func(e *Entry) {
		e.Held = false
	})
}

// MarkSent records a hand-off to the transport: the entry stays in the
// outbox (it must survive a crash to be replayed) with its status moved
// to sent-unacked. A successful hand-off does not count against the
// retry budget; only failures do.
func (o *Outbox) MarkSent(id string) error {
	return o.update(id, func(e *Entry) {
		e.Message.Status = message.StatusSentUnacked
		e.LastAttemptAt = time.Now().UnixMilli()
	})
}

// MarkFailed records a transient send failure; the entry stays queued
// for the retry path with the attempt counted.
func (o *Outbox) MarkFailed(id string) error {
	return o.update(id, func(e *Entry) {
		e.Message.Status = message.StatusFailed
		e.Attempts++
		e.LastAttemptAt = time.Now().UnixMilli()
	})
}

// UpdateMessage applies an engine-side bookkeeping mutation to the
// stored message, such as attaching the transfer locator to a file
// message after its upload completes.
func (o *Outbox) UpdateMessage(id string, mutate func(*message.Message)) error {
	return o.update(id, func(e *Entry) {
		mutate(e.Message)
	})
}

// MarkAcked deletes the entry: the message now lives only in
// caller-owned history.
func (o *Outbox) MarkAcked(id string) error {
	return o.remove(id)
}

// MarkFailedTerminal deletes the entry after a permanent failure.
func (o *Outbox) MarkFailedTerminal(id string) error {
	return o.remove(id)
}

// OldestUnsent returns the single entry with the lowest CreatedAt that
// is not currently sent-unacked or held, or nil when none is queued.
// Ties on CreatedAt break deterministically by id.
func (o *Outbox) OldestUnsent() (*message.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var oldest *Entry
	err := o.store.Scan(tableName, func(key string, value []byte) bool {
		entry, err := decode(value)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message_id": key,
				"error":      err.Error(),
			}).Error("Skipping undecodable outbox entry")
			return true
		}
		if entry.Held || entry.Message.Status == message.StatusSentUnacked {
			return true
		}
		if oldest == nil || earlier(entry, oldest) {
			oldest = entry
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	if oldest == nil {
		return nil, nil
	}
	return oldest.Message, nil
}

// PendingInOrder returns every sendable outbox entry in ascending
// CreatedAt order, the replay order after a reconnect. Held entries are
// excluded.
func (o *Outbox) PendingInOrder() ([]*Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var entries []*Entry
	err := o.store.Scan(tableName, func(key string, value []byte) bool {
		entry, err := decode(value)
		if err != nil {
			return true
		}
		if entry.Held {
			return true
		}
		entries = append(entries, entry)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}

	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && earlier(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return entries, nil
}

// Held returns every held entry. After a restart these are orphans:
// the upload that was to release them did not survive the process.
func (o *Outbox) Held() ([]*Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var entries []*Entry
	err := o.store.Scan(tableName, func(key string, value []byte) bool {
		entry, err := decode(value)
		if err != nil {
			return true
		}
		if entry.Held {
			entries = append(entries, entry)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return entries, nil
}

// Exists reports whether the outbox holds an entry for id.
func (o *Outbox) Exists(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, err := o.load(id)
	return err == nil
}

// Get returns the message stored under id.
func (o *Outbox) Get(id string) (*message.Message, error) {
	entry, err := o.GetEntry(id)
	if err != nil {
		return nil, err
	}
	return entry.Message, nil
}

// GetEntry returns the full entry, including retry bookkeeping.
func (o *Outbox) GetEntry(id string) (*Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(id)
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	count := 0
	_ = o.store.Scan(tableName, func(key string, value []byte) bool {
		count++
		return true
	})
	return count
}

func (o *Outbox) update(id string, mutate func(*Entry)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, err := o.load(id)
	if err != nil {
		return err
	}
	mutate(entry)
	return o.persist(entry)
}

func (o *Outbox) remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.load(id); err != nil {
		return err
	}
	if err := o.store.Delete(tableName, id); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

func (o *Outbox) load(id string) (*Entry, error) {
	value, err := o.store.Get(tableName, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load outbox entry: %w", err)
	}
	return decode(value)
}

func (o *Outbox) persist(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	if err := o.store.Put(tableName, entry.Message.ID, data); err != nil {
		return fmt.Errorf("persist outbox entry: %w", err)
	}
	return nil
}

func decode(value []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(value, &entry); err != nil {
		return nil, fmt.Errorf("decode outbox entry: %w", err)
	}
	return &entry, nil
}

// earlier orders entries by CreatedAt with id as the deterministic
// tiebreak.
func earlier(a, b *Entry) bool {
	if a.Message.CreatedAt != b.Message.CreatedAt {
		return a.Message.CreatedAt < b.Message.CreatedAt
	}
	return a.Message.ID < b.Message.ID
}
