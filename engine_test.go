package relaycore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaycore/crypto"
	"github.com/opd-ai/relaycore/message"
	"github.com/opd-ai/relaycore/outbox"
	"github.com/opd-ai/relaycore/storage"
	"github.com/opd-ai/relaycore/transfer"
	"github.com/opd-ai/relaycore/transport"
)

func testOptions() *Options {
	opts := NewOptions()
	opts.RetryInterval = 10 * time.Millisecond
	opts.MaxRetryInterval = 40 * time.Millisecond
	opts.SendTimeout = time.Second
	opts.RequestTimeout = time.Second
	opts.SendRate = 1000
	opts.SendBurst = 100
	return opts
}

func newTestEngine(t *testing.T) (*Engine, *transport.Loopback, *transfer.MemoryAdapter) {
	t.Helper()

	lb := transport.NewLoopback()
	files := transfer.NewMemoryAdapter()
	engine := New(testOptions(), storage.NewMemory(), lb, files)
	t.Cleanup(func() {
		_ = engine.Close()
	})
	return engine, lb, files
}

func initTestEngine(t *testing.T, engine *Engine) {
	t.Helper()
	_, err := engine.Init("test-app", "test-key", nil)
	require.NoError(t, err)
}

// waitNotification drains the subscription until a notification of the
// wanted type arrives.
func waitNotification(t *testing.T, ch <-chan Notification, want NotificationType) Notification {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			require.True(t, ok, "subscription closed while waiting for %s", want)
			if n.Type == want {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notification %s", want)
		}
	}
}

// expectNoNotification asserts that no notification of the given type
// arrives within the window.
func expectNoNotification(t *testing.T, ch <-chan Notification, unwanted NotificationType, window time.Duration) {
	t.Helper()

	deadline := time.After(window)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.Type == unwanted {
				t.Fatalf("received unwanted notification %s", unwanted)
			}
		case <-deadline:
			return
		}
	}
}

// fakeTransport scripts transport behavior the loopback cannot
// express, such as lost acks and stalled sends.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	handler   transport.EventHandler
	status    transport.StatusHandler
	sendFn    func(ctx context.Context, ev transport.Event) error
	sent      []transport.Event
}

func (f *fakeTransport) Send(ctx context.Context, ev transport.Event) error {
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, ev); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetEventHandler(h transport.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) SetStatusHandler(h transport.StatusHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = h
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	status := f.status
	f.mu.Unlock()

	if status == nil {
		return
	}
	if connected {
		status(transport.StatusConnected)
	} else {
		status(transport.StatusDisconnected)
	}
}

func (f *fakeTransport) deliver(ev transport.Event) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (f *fakeTransport) messageSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, ev := range f.sent {
		if ev.Type == transport.EventMessage {
			count++
		}
	}
	return count
}

// gatedAdapter holds every upload until the gate opens, so tests can
// observe the engine's behavior while an upload is in flight.
type gatedAdapter struct {
	*transfer.MemoryAdapter
	gate chan struct{}
}

func (g *gatedAdapter) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.MemoryAdapter.Upload(ctx, data, contentType)
}

func TestInitCreatesAndRestoresSession(t *testing.T) {
	store := storage.NewMemory()

	lb := transport.NewLoopback()
	engine := New(testOptions(), store, lb, transfer.NewMemoryAdapter())
	sess, err := engine.Init("app", "key", map[string]string{"name": "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, "app", sess.AppID)
	require.NoError(t, engine.Close())

	lb2 := transport.NewLoopback()
	engine2 := New(testOptions(), store, lb2, transfer.NewMemoryAdapter())
	defer engine2.Close()
	restored, err := engine2.Init("app", "key", nil)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, restored.SessionID)
	assert.Equal(t, "alice", restored.UserMetadata["name"])
}

func TestSendRequiresInit(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.SendText("hello", false, "conv-1", nil, "")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSendWhileDisconnectedStaysQueued(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()

	msg, err := engine.SendText("offline message", false, "conv-1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, message.StatusPendingLocal, msg.Status)
	assert.Empty(t, lb.History(), "nothing reaches the relay while disconnected")

	lb.SetConnected(true)

	n := waitNotification(t, sub, AckReceived)
	assert.Equal(t, msg.ID, n.Message.ID)
	assert.Equal(t, message.StatusAcked, n.Message.Status)
	assert.NotZero(t, n.Message.ServerTimestamp)

	assert.Eventually(t, func() bool {
		return !engine.outbox.Exists(msg.ID)
	}, 2*time.Second, 10*time.Millisecond, "acked message must leave the outbox")

	history := lb.History()
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestReconnectReplaysInCreationOrder(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()

	var ids []string
	for _, text := range []string{"first", "second", "third"} {
		msg, err := engine.SendText(text, false, "conv-1", nil, "")
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt
	}

	lb.SetConnected(true)

	for range ids {
		waitNotification(t, sub, AckReceived)
	}

	history := lb.History()
	require.Len(t, history, 3)
	for i, ev := range history {
		assert.Equal(t, ids[i], ev.ID, "replay must preserve creation order")
	}
	assert.Equal(t, 0, engine.outbox.Len())
}

func TestDuplicateInboundDeliveredOnce(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	ev := transport.Event{
		Type:            transport.EventMessage,
		ID:              uuid.NewString(),
		ConversationID:  "conv-1",
		Sender:          "peer-1",
		Payload:         []byte("hi"),
		ServerTimestamp: 5000,
	}
	lb.InjectEvent(ev)
	lb.InjectEvent(ev)

	n := waitNotification(t, sub, MessageReceived)
	assert.Equal(t, ev.ID, n.Message.ID)
	assert.Equal(t, []byte("hi"), n.Message.Payload)

	store := waitNotification(t, sub, MessageStore)
	assert.Equal(t, ev.ID, store.Message.ID)

	expectNoNotification(t, sub, MessageReceived, 100*time.Millisecond)
}

func TestWatermarkAdvancesMonotonically(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	lb.InjectEvent(transport.Event{
		Type:            transport.EventMessage,
		ID:              uuid.NewString(),
		ConversationID:  "conv-1",
		Sender:          "peer-1",
		Payload:         []byte("later"),
		ServerTimestamp: 9000,
	})
	waitNotification(t, sub, MessageReceived)
	assert.Equal(t, int64(9000), engine.watermark())

	// An out-of-order older event still surfaces but must not move the
	// watermark backward.
	lb.InjectEvent(transport.Event{
		Type:            transport.EventMessage,
		ID:              uuid.NewString(),
		ConversationID:  "conv-1",
		Sender:          "peer-1",
		Payload:         []byte("earlier"),
		ServerTimestamp: 4000,
	})
	waitNotification(t, sub, MessageReceived)
	assert.Equal(t, int64(9000), engine.watermark())
}

func TestSyncRedeliveryIsFiltered(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	lb.InjectEvent(transport.Event{
		Type:           transport.EventMessage,
		ID:             uuid.NewString(),
		ConversationID: "conv-1",
		Sender:         "peer-1",
		Payload:        []byte("stored"),
	})
	waitNotification(t, sub, MessageReceived)

	// The relay redelivers its whole history for a zero watermark; the
	// ledger must drop the already-applied event.
	engine.mu.Lock()
	engine.sess.LastSyncTimestamp = 0
	engine.mu.Unlock()
	require.NoError(t, engine.GetPendingMessages())

	expectNoNotification(t, sub, MessageReceived, 100*time.Millisecond)
}

func TestOwnEchoNotSurfaced(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	sess, err := engine.Session()
	require.NoError(t, err)

	lb.InjectEvent(transport.Event{
		Type:            transport.EventMessage,
		ID:              uuid.NewString(),
		ConversationID:  "conv-1",
		Sender:          sess.SessionID,
		Payload:         []byte("echo of my own send"),
		ServerTimestamp: 7000,
	})

	expectNoNotification(t, sub, MessageReceived, 100*time.Millisecond)
	assert.Equal(t, int64(7000), engine.watermark(), "echoes still advance the watermark")
}

func TestRetryBudgetExhaustionIsTerminal(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	engine.opts.MaxSendAttempts = 2
	initTestEngine(t, engine)

	failures := make(chan error, 1)
	engine.SetSendFailureHandler(func(msg *message.Message, err error) {
		failures <- err
	})

	lb.SetConnected(true)
	lb.FailNextSends(10)

	msg, err := engine.SendText("doomed", false, "conv-1", nil, "")
	require.NoError(t, err)

	select {
	case cause := <-failures:
		assert.ErrorIs(t, cause, transport.ErrSendFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal failure never reported")
	}
	assert.False(t, engine.outbox.Exists(msg.ID))
	assert.Equal(t, message.StatusFailedTerminal, msg.Status)
}

func TestRelayRejectionIsTerminal(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)

	failures := make(chan error, 1)
	engine.SetSendFailureHandler(func(msg *message.Message, err error) {
		failures <- err
	})

	msg, err := engine.SendText("rejected", false, "conv-1", nil, "")
	require.NoError(t, err)
	lb.RejectID(msg.ID, "conversation is closed")
	lb.SetConnected(true)

	select {
	case cause := <-failures:
		var relayErr *RelayError
		require.ErrorAs(t, cause, &relayErr)
		assert.Equal(t, "conversation is closed", relayErr.Description)
	case <-time.After(2 * time.Second):
		t.Fatal("rejection never reported")
	}
	assert.False(t, engine.outbox.Exists(msg.ID))
}

func TestPayloadTooLargeRejectedUpFront(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.opts.MaxPayloadSize = 8
	initTestEngine(t, engine)

	_, err := engine.SendText("this is longer than eight bytes", false, "conv-1", nil, "")
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 0, engine.outbox.Len())
}

func TestTemporalNotificationNeverQueued(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)

	msg, err := engine.SendTemporalNotification("conv-1", map[string]string{"typing": "true"}, "")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, message.StatusFailedTerminal, msg.Status)
	assert.Equal(t, 0, engine.outbox.Len())

	lb.SetConnected(true)
	sent, err := engine.SendTemporalNotification("conv-1", map[string]string{"typing": "true"}, "")
	require.NoError(t, err)

	assert.Equal(t, message.StatusSentUnacked, sent.Status)
	assert.Equal(t, 0, engine.outbox.Len(), "temporal notifications bypass the outbox")
	assert.Empty(t, lb.History(), "relay never stores temporal notifications")
}

func TestEncryptedRoundTrip(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	var key [crypto.KeySize]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	require.NoError(t, engine.SetConversationKey("conv-1", key))

	msg, err := engine.SendEncryptedText("secret text", "conv-1", nil, "")
	require.NoError(t, err)
	assert.True(t, msg.Encrypted)
	waitNotification(t, sub, AckReceived)

	history := lb.History()
	require.Len(t, history, 1)
	assert.NotContains(t, string(history[0].Payload), "secret text")

	// The same ciphertext arriving from a peer decrypts transparently.
	inbound := history[0]
	inbound.ID = uuid.NewString()
	inbound.Sender = "peer-1"
	inbound.ServerTimestamp = 0
	lb.InjectEvent(inbound)

	n := waitNotification(t, sub, MessageReceived)
	require.NoError(t, n.Err)
	assert.Equal(t, []byte("secret text"), n.Message.Payload)
	assert.False(t, n.Message.Encrypted)
}

func TestDecryptFailureSurfacesWithError(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	lb.InjectEvent(transport.Event{
		Type:           transport.EventMessage,
		ID:             uuid.NewString(),
		ConversationID: "conv-without-key",
		Sender:         "peer-1",
		Payload:        bytes.Repeat([]byte("x"), 64),
		Encrypted:      true,
	})

	n := waitNotification(t, sub, MessageReceived)
	assert.ErrorIs(t, n.Err, crypto.ErrKeyNotFound)
	assert.True(t, n.Message.Encrypted, "payload stays sealed when decryption fails")
}

func TestFileHeldFromTransportUntilUploadCompletes(t *testing.T) {
	lb := transport.NewLoopback()
	adapter := &gatedAdapter{MemoryAdapter: transfer.NewMemoryAdapter(), gate: make(chan struct{})}
	engine := New(testOptions(), storage.NewMemory(), lb, adapter)
	t.Cleanup(func() { _ = engine.Close() })
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	done := make(chan error, 1)
	fileMsg, err := engine.SendFile([]byte("large payload"), "big.bin", "application/octet-stream",
		false, false, "conv-1", nil, "", func(m *message.Message, err error) {
			done <- err
		})
	require.NoError(t, err)

	// A text message sent behind the pending upload proves the send path
	// is live while the file stays withheld.
	textMsg, err := engine.SendText("overtakes the upload", false, "conv-1", nil, "")
	require.NoError(t, err)
	n := waitNotification(t, sub, AckReceived)
	assert.Equal(t, textMsg.ID, n.Message.ID)

	history := lb.History()
	require.Len(t, history, 1, "file event must not reach the transport before its upload completes")
	assert.Equal(t, textMsg.ID, history[0].ID)

	close(adapter.gate)
	select {
	case uploadErr := <-done:
		require.NoError(t, uploadErr)
	case <-time.After(2 * time.Second):
		t.Fatal("upload never completed")
	}

	n = waitNotification(t, sub, AckReceived)
	assert.Equal(t, fileMsg.ID, n.Message.ID)

	history = lb.History()
	require.Len(t, history, 2)
	assert.Equal(t, fileMsg.ID, history[1].ID)
	assert.NotEmpty(t, history[1].Params[paramLocator], "file event carries its locator on the wire")
}

func TestFileUploadFailureNeverReachesTransport(t *testing.T) {
	lb := transport.NewLoopback()
	adapter := &gatedAdapter{MemoryAdapter: transfer.NewMemoryAdapter(), gate: make(chan struct{})}
	adapter.FailUploads(true)
	engine := New(testOptions(), storage.NewMemory(), lb, adapter)
	t.Cleanup(func() { _ = engine.Close() })
	initTestEngine(t, engine)
	lb.SetConnected(true)

	done := make(chan error, 1)
	msg, err := engine.SendFile([]byte("payload"), "a.bin", "application/octet-stream",
		false, false, "conv-1", nil, "", func(m *message.Message, err error) {
			done <- err
		})
	require.NoError(t, err)

	close(adapter.gate)
	select {
	case uploadErr := <-done:
		assert.ErrorIs(t, uploadErr, transfer.ErrTransferFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("upload failure never reported")
	}

	assert.Equal(t, message.StatusFailedTerminal, msg.Status)
	assert.False(t, engine.outbox.Exists(msg.ID))
	assert.Empty(t, lb.History(), "a failed upload must leave no trace on the transport")
}

func TestOrphanedHeldEntriesDroppedOnInit(t *testing.T) {
	store := storage.NewMemory()

	// A held entry with no live upload, as left behind by a dead process.
	orphan := message.New("conv-1", message.KindFile, nil, nil)
	orphan.FileName = "lost.bin"
	_, err := outbox.New(store).EnqueueHeld(orphan)
	require.NoError(t, err)

	lb := transport.NewLoopback()
	engine := New(testOptions(), store, lb, transfer.NewMemoryAdapter())
	t.Cleanup(func() { _ = engine.Close() })
	initTestEngine(t, engine)

	assert.False(t, engine.outbox.Exists(orphan.ID), "orphaned held entries must not linger")

	lb.SetConnected(true)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, lb.History(), "a dropped orphan must never be replayed")
}

func TestLostAcksDoNotExhaustRetryBudget(t *testing.T) {
	opts := testOptions()
	opts.MaxSendAttempts = 2
	opts.AutoSync = false

	ft := &fakeTransport{}
	engine := New(opts, storage.NewMemory(), ft, transfer.NewMemoryAdapter())
	t.Cleanup(func() { _ = engine.Close() })
	initTestEngine(t, engine)

	failures := make(chan error, 1)
	engine.SetSendFailureHandler(func(msg *message.Message, err error) {
		failures <- err
	})

	msg, err := engine.SendText("acks get lost", false, "conv-1", nil, "")
	require.NoError(t, err)

	// Every reconnect replays the entry, the transport accepts it, and
	// the ack never arrives.
	for cycle := 1; cycle <= 5; cycle++ {
		ft.setConnected(true)
		want := cycle
		assert.Eventually(t, func() bool {
			return ft.messageSends() >= want
		}, 2*time.Second, 5*time.Millisecond, "replay cycle %d never sent", cycle)
		ft.setConnected(false)
	}

	select {
	case cause := <-failures:
		t.Fatalf("message terminally failed despite successful sends: %v", cause)
	default:
	}

	entry, err := engine.outbox.GetEntry(msg.ID)
	require.NoError(t, err, "entry must stay queued until an ack arrives")
	assert.Equal(t, message.StatusSentUnacked, entry.Message.Status)
	assert.Equal(t, 0, entry.Attempts, "successful hand-offs consume no retry budget")
}

func TestSendTimeoutIsTransient(t *testing.T) {
	opts := testOptions()
	opts.SendTimeout = 30 * time.Millisecond
	opts.AutoSync = false

	ft := &fakeTransport{}
	var stalledOnce int32
	ft.sendFn = func(ctx context.Context, ev transport.Event) error {
		if ev.Type == transport.EventMessage && atomic.CompareAndSwapInt32(&stalledOnce, 0, 1) {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	engine := New(opts, storage.NewMemory(), ft, transfer.NewMemoryAdapter())
	t.Cleanup(func() { _ = engine.Close() })
	initTestEngine(t, engine)
	sub := engine.Subscribe()

	failures := make(chan error, 1)
	engine.SetSendFailureHandler(func(msg *message.Message, err error) {
		failures <- err
	})

	ft.setConnected(true)
	msg, err := engine.SendText("stalls once", false, "conv-1", nil, "")
	require.NoError(t, err)

	// The stalled attempt times out, counts one failure, and the retry
	// goes through.
	assert.Eventually(t, func() bool {
		return ft.messageSends() == 1
	}, 2*time.Second, 5*time.Millisecond)

	entry, err := engine.outbox.GetEntry(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)

	ft.deliver(transport.Event{
		Type:            transport.EventAck,
		ID:              msg.ID,
		ConversationID:  "conv-1",
		ServerTimestamp: 2000,
	})
	n := waitNotification(t, sub, AckReceived)
	assert.Equal(t, msg.ID, n.Message.ID)
	assert.False(t, engine.outbox.Exists(msg.ID))

	select {
	case cause := <-failures:
		t.Fatalf("timed-out attempt must not be terminal: %v", cause)
	default:
	}
}

func TestFileSendUploadsBeforeTransport(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	var key [crypto.KeySize]byte
	copy(key[:], "fedcba9876543210fedcba9876543210")
	require.NoError(t, engine.SetConversationKey("conv-1", key))

	payload := []byte("file contents worth compressing compressing compressing")
	done := make(chan error, 1)
	msg, err := engine.SendFile(payload, "notes.txt", "text/plain", true, true, "conv-1", nil, "", func(m *message.Message, err error) {
		done <- err
	})
	require.NoError(t, err)

	select {
	case uploadErr := <-done:
		require.NoError(t, uploadErr)
	case <-time.After(2 * time.Second):
		t.Fatal("upload never completed")
	}
	assert.NotEmpty(t, msg.Params[paramLocator])

	n := waitNotification(t, sub, AckReceived)
	assert.Equal(t, msg.ID, n.Message.ID)

	history := lb.History()
	require.Len(t, history, 1)
	assert.Equal(t, "file", history[0].Params[paramKind])
	assert.Equal(t, "notes.txt", history[0].Params[paramFileName])
	assert.NotEmpty(t, history[0].Params[paramLocator])

	// Round-trip through the download path.
	downloaded := make(chan []byte, 1)
	require.NoError(t, engine.DownloadFileMessage(msg, func(data []byte, err error) {
		require.NoError(t, err)
		downloaded <- data
	}))
	select {
	case data := <-downloaded:
		assert.Equal(t, payload, data)
	case <-time.After(2 * time.Second):
		t.Fatal("download never completed")
	}
}

func TestFileUploadFailureIsTerminal(t *testing.T) {
	engine, lb, files := newTestEngine(t)
	initTestEngine(t, engine)
	lb.SetConnected(true)
	files.FailUploads(true)

	done := make(chan error, 1)
	msg, err := engine.SendFile([]byte("payload"), "a.bin", "application/octet-stream", false, false, "conv-1", nil, "", func(m *message.Message, err error) {
		done <- err
	})
	require.NoError(t, err)

	select {
	case uploadErr := <-done:
		assert.ErrorIs(t, uploadErr, transfer.ErrTransferFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("upload failure never reported")
	}
	assert.Equal(t, message.StatusFailedTerminal, msg.Status)
	assert.False(t, engine.outbox.Exists(msg.ID), "failed uploads are never retried")
	assert.Empty(t, lb.History())
}

func TestDeleteMessagePropagates(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	msg, err := engine.SendText("to be deleted", false, "conv-1", nil, "")
	require.NoError(t, err)
	waitNotification(t, sub, AckReceived)

	del, err := engine.DeleteMessage(msg.ID, "conv-1")
	require.NoError(t, err)
	waitNotification(t, sub, AckReceived)

	history := lb.History()
	require.Len(t, history, 2)
	assert.Equal(t, transport.EventDelete, history[1].Type)
	assert.Equal(t, msg.ID, history[1].Params[paramTarget])

	// A peer's delete surfaces as a purge directive.
	lb.InjectEvent(transport.Event{
		Type:           transport.EventDelete,
		ID:             uuid.NewString(),
		ConversationID: "conv-1",
		Sender:         "peer-1",
		Params:         map[string]string{paramTarget: del.ID},
	})
	n := waitNotification(t, sub, MessageDelete)
	assert.Equal(t, del.ID, n.Message.Params[paramTarget])
}

func TestGroupLifecycle(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	lb.SetConnected(true)

	groupID, err := engine.CreateGroup("", []string{"alice", "bob"}, map[string]string{"title": "pair"}, "")
	require.NoError(t, err)
	assert.True(t, len(groupID) > 2 && groupID[:2] == "G:")

	require.NoError(t, engine.AddGroupMember(groupID, "carol"))

	info, err := engine.GetInfo(groupID)
	require.NoError(t, err)
	assert.Contains(t, info["members"], "carol")
	assert.Equal(t, "pair", info["title"])

	require.NoError(t, engine.RemoveGroupMember(groupID, "bob"))
	info, err = engine.GetInfo(groupID)
	require.NoError(t, err)
	assert.NotContains(t, info["members"], "bob")

	err = engine.AddGroupMember("G:no-such-group", "dave")
	var relayErr *RelayError
	assert.ErrorAs(t, err, &relayErr)
}

func TestConversationQueries(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	for _, conv := range []string{"conv-a", "conv-b"} {
		_, err := engine.SendText("hello "+conv, false, conv, nil, "")
		require.NoError(t, err)
		waitNotification(t, sub, AckReceived)
	}

	conversations, err := engine.GetConversationsSince(0, 10)
	require.NoError(t, err)
	assert.Len(t, conversations, 2)

	messages, err := engine.GetConversationMessages("conv-a", 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, []byte("hello conv-a"), messages[0].Payload)

	require.NoError(t, engine.DeleteConversation("conv-a"))
	messages, err = engine.GetConversationMessages("conv-a", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestOpenConversationReportsStatus(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	require.NoError(t, engine.OpenConversation("conv-1"))
	n := waitNotification(t, sub, ConversationStatusChanged)
	assert.Equal(t, "conv-1", n.ConversationID)
	assert.Equal(t, "active", n.Status)

	require.NoError(t, engine.CloseConversation("conv-1"))
}

func TestGroupListDeliveredOnSyncWithGroups(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	groupID, err := engine.CreateGroup("G:fixed", []string{"alice"}, nil, "")
	require.NoError(t, err)
	require.Equal(t, "G:fixed", groupID)

	require.NoError(t, engine.GetPendingMessagesWithGroups())
	n := waitNotification(t, sub, GroupList)
	assert.Contains(t, n.GroupIDs, "G:fixed")
}

func TestRequestsFailFastWhenDisconnected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	initTestEngine(t, engine)

	_, err := engine.GetConversationsSince(0, 10)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = engine.GetPendingMessages()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSocketStatusNotifications(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()

	lb.SetConnected(true)
	n := waitNotification(t, sub, SocketStatusChange)
	assert.True(t, n.Connected)

	lb.SetConnected(false)
	n = waitNotification(t, sub, SocketStatusChange)
	assert.False(t, n.Connected)
}

func TestCloseIsIdempotentAndRejectsSends(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	initTestEngine(t, engine)

	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())

	_, err := engine.SendText("after close", false, "conv-1", nil, "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOutboxSurvivesRestart(t *testing.T) {
	store := storage.NewMemory()

	lb := transport.NewLoopback()
	engine := New(testOptions(), store, lb, transfer.NewMemoryAdapter())
	initTestEngine(t, engine)
	msg, err := engine.SendText("queued across restart", false, "conv-1", nil, "")
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	lb2 := transport.NewLoopback()
	engine2 := New(testOptions(), store, lb2, transfer.NewMemoryAdapter())
	defer engine2.Close()
	initTestEngine(t, engine2)
	sub := engine2.Subscribe()

	lb2.SetConnected(true)
	n := waitNotification(t, sub, AckReceived)
	assert.Equal(t, msg.ID, n.Message.ID)

	history := lb2.History()
	require.Len(t, history, 1)
	assert.Equal(t, []byte("queued across restart"), history[0].Payload)
}

func TestIsMessageOutgoing(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	initTestEngine(t, engine)

	sess, err := engine.Session()
	require.NoError(t, err)

	own := &message.Message{Sender: sess.SessionID, Direction: message.Incoming}
	assert.True(t, engine.IsMessageOutgoing(own), "sender match wins over direction")

	peer := &message.Message{Sender: "peer-1", Direction: message.Incoming}
	assert.False(t, engine.IsMessageOutgoing(peer))
}

func TestNotificationKindRouting(t *testing.T) {
	engine, lb, _ := newTestEngine(t)
	initTestEngine(t, engine)
	sub := engine.Subscribe()
	lb.SetConnected(true)

	lb.InjectEvent(transport.Event{
		Type:           transport.EventNotification,
		ID:             uuid.NewString(),
		ConversationID: "conv-1",
		Sender:         "peer-1",
		Params:         map[string]string{"badge": "3"},
	})
	n := waitNotification(t, sub, NotificationReceived)
	assert.Equal(t, message.KindNotification, n.Message.Kind)
	assert.Equal(t, "3", n.Message.Params["badge"])

	lb.InjectEvent(transport.Event{
		Type:           transport.EventTemporalNotification,
		ID:             uuid.NewString(),
		ConversationID: "conv-1",
		Sender:         "peer-1",
		Params:         map[string]string{"typing": "true"},
	})
	n = waitNotification(t, sub, NotificationReceived)
	assert.Equal(t, message.KindTemporalNotification, n.Message.Kind)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.opts.RetryInterval = time.Second
	engine.opts.MaxRetryInterval = 10 * time.Second

	assert.Equal(t, time.Second, engine.backoff(1))
	assert.Equal(t, 2*time.Second, engine.backoff(2))
	assert.Equal(t, 4*time.Second, engine.backoff(3))
	assert.Equal(t, 8*time.Second, engine.backoff(4))
	assert.Equal(t, 10*time.Second, engine.backoff(5))
	assert.Equal(t, 10*time.Second, engine.backoff(20))
}

func TestDuplicateEnqueueReturnsExisting(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	initTestEngine(t, engine)

	msg, err := engine.SendText("original", false, "conv-1", nil, "")
	require.NoError(t, err)

	altered := *msg
	altered.Payload = []byte("altered")
	entry, err := engine.outbox.Enqueue(&altered)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), entry.Message.Payload, "stored payload is immutable")
	assert.Equal(t, 1, engine.outbox.Len())
}

func TestSendFailureHandlerErrorsUnwrap(t *testing.T) {
	err := &RelayError{Description: "bad group id"}
	assert.Equal(t, "relay rejected: bad group id", err.Error())

	wrapped := errors.Join(transport.ErrSendFailed, err)
	var relayErr *RelayError
	assert.ErrorAs(t, wrapped, &relayErr)
}
