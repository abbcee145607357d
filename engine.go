package relaycore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/relaycore/crypto"
	"github.com/opd-ai/relaycore/ledger"
	"github.com/opd-ai/relaycore/message"
	"github.com/opd-ai/relaycore/outbox"
	"github.com/opd-ai/relaycore/session"
	"github.com/opd-ai/relaycore/storage"
	"github.com/opd-ai/relaycore/transfer"
	"github.com/opd-ai/relaycore/transport"
)

// SendFailureHandler is invoked exactly once for every message whose
// failure became terminal outside a synchronous call path.
type SendFailureHandler func(*message.Message, error)

// Engine is the delivery coordinator. It owns the session, the durable
// outbox, the dedup ledger, and the crypto boundary, and serializes all
// state transitions for a given message id.
type Engine struct {
	opts *Options

	store   storage.Store
	channel transport.Transport
	files   transfer.Adapter

	outbox   *outbox.Outbox
	ledger   *ledger.Ledger
	sessions *session.Store
	keystore *crypto.Keystore
	boundary *crypto.Boundary

	limiter *rate.Limiter
	events  *notifier

	mu          sync.Mutex
	sess        *session.Session
	closed      bool
	inFlight    map[string]bool
	pending     map[string]chan transport.Event
	sendFailure SendFailureHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine over the given store, transport, and transfer
// adapter. The engine admits no sends until Init succeeds.
func New(opts *Options, store storage.Store, channel transport.Transport, files transfer.Adapter) *Engine {
	if opts == nil {
		opts = NewOptions()
	}

	keystore := crypto.NewKeystore(store)
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		opts:     opts,
		store:    store,
		channel:  channel,
		files:    files,
		outbox:   outbox.New(store),
		ledger:   ledger.New(store),
		sessions: session.NewStore(store),
		keystore: keystore,
		boundary: crypto.NewBoundary(keystore),
		limiter:  rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		events:   &notifier{},
		inFlight: make(map[string]bool),
		pending:  make(map[string]chan transport.Event),
		ctx:      ctx,
		cancel:   cancel,
	}

	channel.SetEventHandler(e.handleEvent)
	channel.SetStatusHandler(e.handleStatus)

	return e
}

// Init hydrates the persisted session or creates a fresh one, and
// admits send operations. It must be the first call on a new engine.
func (e *Engine) Init(appID, appKey string, userMetadata map[string]string) (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if e.sess != nil {
		return e.sess, nil
	}

	sess, err := e.sessions.Load()
	switch {
	case errors.Is(err, session.ErrNotFound):
		sess = &session.Session{
			SessionID:     uuid.NewString(),
			AppID:         appID,
			AppKey:        appKey,
			UserMetadata:  userMetadata,
			ExpireSession: e.opts.ExpireSession,
			AutoSync:      e.opts.AutoSync,
		}
		if err := e.sessions.Save(sess); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"session_id": sess.SessionID,
			"app_id":     appID,
		}).Info("Session created")
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	default:
		logrus.WithFields(logrus.Fields{
			"session_id": sess.SessionID,
			"watermark":  sess.LastSyncTimestamp,
		}).Info("Session restored")
	}

	e.sess = sess
	e.dropOrphanedHeld()

	if e.channel.IsConnected() {
		e.spawn(e.onConnected)
	}

	return sess, nil
}

// dropOrphanedHeld terminally fails held entries left behind by a
// previous process: the upload that would have released them is gone,
// and they were never handed to the transport.
func (e *Engine) dropOrphanedHeld() {
	held, err := e.outbox.Held()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Error("Failed to scan for orphaned held entries")
		return
	}

	for _, entry := range held {
		if err := e.outbox.MarkFailedTerminal(entry.Message.ID); err != nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"message_id": entry.Message.ID,
			"file_name":  entry.Message.FileName,
		}).Warn("Dropping file message whose upload did not survive restart")
	}
}

// Close cancels in-flight retries and tears down the transport. Unacked
// outbox entries stay intact for the next session; the persisted
// session is kept so the watermark survives.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.sess = nil
	for id, ch := range e.pending {
		close(ch)
		delete(e.pending, id)
	}
	e.mu.Unlock()

	e.cancel()
	err := e.channel.Close()
	e.events.closeAll()
	e.wg.Wait()

	logrus.Info("Engine closed")
	return err
}

// Subscribe returns a channel of typed engine notifications. The caller
// must drain it; the channel is closed by Close.
func (e *Engine) Subscribe() <-chan Notification {
	return e.events.subscribe()
}

// Unsubscribe removes and closes a subscription channel.
func (e *Engine) Unsubscribe(ch <-chan Notification) {
	e.events.unsubscribe(ch)
}

// SetSendFailureHandler registers the sink for asynchronous terminal
// send failures (retry budget exhausted, relay rejection).
func (e *Engine) SetSendFailureHandler(handler SendFailureHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendFailure = handler
}

// SetConversationKey installs the symmetric key used to encrypt and
// decrypt payloads for a conversation.
func (e *Engine) SetConversationKey(conversationID string, key [crypto.KeySize]byte) error {
	return e.keystore.SetKey(conversationID, key)
}

// Session returns the live session, or ErrNotInitialized.
func (e *Engine) Session() (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNotInitialized
	}
	return e.sess, nil
}

// IsMessageOutgoing reports whether the message was sent by this
// session.
func (e *Engine) IsMessageOutgoing(msg *message.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil && msg.Sender == e.sess.SessionID {
		return true
	}
	return msg.IsOutgoing()
}

// admit returns the live session or the reason sends are not allowed.
func (e *Engine) admit() (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.sess == nil {
		return nil, ErrNotInitialized
	}
	return e.sess, nil
}

// watermark reads the current sync watermark under the engine lock.
func (e *Engine) watermark() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0
	}
	return e.sess.LastSyncTimestamp
}

// spawn runs fn on a tracked goroutine that Close waits for.
func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) handleStatus(status transport.Status) {
	connected := status == transport.StatusConnected

	logrus.WithFields(logrus.Fields{
		"connected": connected,
	}).Info("Transport status changed")

	e.events.emit(Notification{Type: SocketStatusChange, Connected: connected})

	if connected {
		e.spawn(e.onConnected)
	}
}

// onConnected replays every outbox entry in ascending CreatedAt order,
// exactly once per reconnect cycle, then requests pending inbound
// history when the session has auto-sync enabled.
func (e *Engine) onConnected() {
	entries, err := e.outbox.PendingInOrder()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Error("Failed to read outbox for replay")
		return
	}

	if len(entries) > 0 {
		logrus.WithFields(logrus.Fields{
			"entries": len(entries),
		}).Info("Replaying outbox after reconnect")
	}

	for _, entry := range entries {
		if e.ctx.Err() != nil {
			return
		}
		e.attemptSend(entry.Message.ID)
	}

	e.mu.Lock()
	sess := e.sess
	autoSync := sess != nil && sess.AutoSync
	e.mu.Unlock()

	if autoSync {
		if err := e.requestSync(false); err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err.Error(),
			}).Warn("Auto-sync request failed")
		}
	}
}

// kickNext pushes the oldest queued unsent message, preserving the
// single-device ordering guarantee when new sends arrive behind a
// backlog.
func (e *Engine) kickNext() {
	if !e.channel.IsConnected() {
		return
	}
	msg, err := e.outbox.OldestUnsent()
	if err != nil || msg == nil {
		return
	}
	e.attemptSend(msg.ID)
}

// attemptSend drives one transport hand-off for the given outbox entry.
// Entries already in flight or no longer queued are skipped.
func (e *Engine) attemptSend(id string) {
	e.mu.Lock()
	if e.closed || e.inFlight[id] {
		e.mu.Unlock()
		return
	}
	e.inFlight[id] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, id)
		e.mu.Unlock()
	}()

	entry, err := e.outbox.GetEntry(id)
	if err != nil {
		// Acked or terminally failed while we were queued.
		return
	}

	if entry.Attempts >= e.opts.MaxSendAttempts {
		e.failTerminal(entry.Message, fmt.Errorf("retry budget exhausted after %d failed attempts: %w",
			entry.Attempts, transport.ErrSendFailed))
		return
	}

	if err := e.limiter.Wait(e.ctx); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.SendTimeout)
	err = e.channel.Send(ctx, eventFromMessage(entry.Message))
	cancel()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": id,
			"attempt":    entry.Attempts + 1,
			"error":      err.Error(),
		}).Warn("Transport send failed")

		if markErr := e.outbox.MarkFailed(id); markErr != nil {
			return
		}
		e.scheduleRetry(id, entry.Attempts+1)
		return
	}

	if err := e.outbox.MarkSent(id); err != nil && !errors.Is(err, outbox.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"message_id": id,
			"error":      err.Error(),
		}).Error("Failed to mark message sent")
	}
}

// scheduleRetry arms the backoff timer for a transiently failed entry.
// The timer is cancelled by Close; a reconnect replay also covers the
// entry if the transport is down when the timer fires.
func (e *Engine) scheduleRetry(id string, attempts int) {
	delay := e.backoff(attempts)

	logrus.WithFields(logrus.Fields{
		"message_id": id,
		"attempts":   attempts,
		"delay":      delay,
	}).Debug("Retry scheduled")

	e.spawn(func() {
		select {
		case <-time.After(delay):
			if e.channel.IsConnected() {
				e.attemptSend(id)
			}
		case <-e.ctx.Done():
		}
	})
}

// backoff returns the delay before the given attempt number, doubling
// from RetryInterval up to MaxRetryInterval.
func (e *Engine) backoff(attempts int) time.Duration {
	delay := e.opts.RetryInterval
	for i := 1; i < attempts && delay < e.opts.MaxRetryInterval; i++ {
		delay *= 2
	}
	if delay > e.opts.MaxRetryInterval {
		delay = e.opts.MaxRetryInterval
	}
	return delay
}

// failTerminal removes the entry and reports the terminal outcome
// exactly once.
func (e *Engine) failTerminal(msg *message.Message, cause error) {
	if err := e.outbox.MarkFailedTerminal(msg.ID); err != nil {
		if !errors.Is(err, outbox.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Error("Failed to remove terminally failed message")
		}
		return
	}
	msg.Status = message.StatusFailedTerminal

	logrus.WithFields(logrus.Fields{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"error":           cause.Error(),
	}).Error("Message failed terminally")

	e.reportSendFailure(msg, cause)
}

func (e *Engine) reportSendFailure(msg *message.Message, cause error) {
	e.mu.Lock()
	handler := e.sendFailure
	e.mu.Unlock()

	if handler != nil {
		handler(msg, cause)
	}
}
