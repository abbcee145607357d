package relaycore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/message"
	"github.com/opd-ai/relaycore/transfer"
	"github.com/opd-ai/relaycore/transport"
)

// Param keys the engine reserves on file and delete messages.
const (
	paramKind     = "kind"
	paramLocator  = "locator"
	paramFileName = "file_name"
	paramFileType = "file_type"
	paramCompress = "compressed"
	paramTarget   = "target"
	paramPush     = "push"
)

// SendText builds a text message, persists it in the outbox, and
// returns it immediately; delivery happens asynchronously. When
// encrypted is set the payload is sealed with the conversation key
// before it is persisted.
func (e *Engine) SendText(text string, encrypted bool, to string, params map[string]string, push string) (*message.Message, error) {
	sess, err := e.admit()
	if err != nil {
		return nil, err
	}

	payload := []byte(text)
	if len(payload) > e.opts.MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	msg := message.New(to, message.KindText, payload, params)
	msg.Sender = sess.SessionID
	msg.Push = push

	if encrypted {
		ciphertext, err := e.boundary.Encrypt(to, payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt message: %w", err)
		}
		msg.Payload = ciphertext
		msg.Encrypted = true
	}

	if err := e.enqueue(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendEncryptedText is SendText with encryption always on.
func (e *Engine) SendEncryptedText(text, to string, params map[string]string, push string) (*message.Message, error) {
	return e.SendText(text, true, to, params, push)
}

// SendNotification sends a payload-less notification that is routed and
// persisted by the relay like a message.
func (e *Engine) SendNotification(to string, params map[string]string, push string) (*message.Message, error) {
	sess, err := e.admit()
	if err != nil {
		return nil, err
	}

	msg := message.New(to, message.KindNotification, nil, params)
	msg.Sender = sess.SessionID
	msg.Push = push

	if err := e.enqueue(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendTemporalNotification sends a real-time-only notification. It is
// never persisted: if the transport is down the call fails directly
// with ErrNotConnected, and an offline recipient never receives it.
func (e *Engine) SendTemporalNotification(to string, params map[string]string, push string) (*message.Message, error) {
	sess, err := e.admit()
	if err != nil {
		return nil, err
	}

	msg := message.New(to, message.KindTemporalNotification, nil, params)
	msg.Sender = sess.SessionID
	msg.Push = push

	if !e.channel.IsConnected() {
		msg.Status = message.StatusFailedTerminal
		return msg, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.SendTimeout)
	defer cancel()
	if err := e.channel.Send(ctx, eventFromMessage(msg)); err != nil {
		msg.Status = message.StatusFailedTerminal
		return msg, err
	}
	msg.Status = message.StatusSentUnacked
	return msg, nil
}

// DeleteMessage asks the relay to delete a prior message and notify the
// conversation. The request is durable and replayed like any message.
func (e *Engine) DeleteMessage(messageID, conversationID string) (*message.Message, error) {
	sess, err := e.admit()
	if err != nil {
		return nil, err
	}

	msg := message.New(conversationID, message.KindDelete, nil, map[string]string{
		paramTarget: messageID,
	})
	msg.Sender = sess.SessionID

	if err := e.enqueue(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendFile sends a binary payload through the bulk transfer path. The
// message enters the outbox immediately but is held out of the send
// path; the payload is compressed and encrypted per the flags, uploaded
// in the background, and only after the upload succeeds is the entry
// released to the transport with its locator attached. An upload
// failure is terminal and reported through done without automatic
// retries; the message never reaches the transport in that case.
func (e *Engine) SendFile(data []byte, fileName, contentType string, encrypted, compressed bool, to string, params map[string]string, push string, done func(*message.Message, error)) (*message.Message, error) {
	sess, err := e.admit()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, transfer.ErrEmptyPayload
	}

	msg := message.New(to, message.KindFile, nil, cloneParams(params))
	msg.Sender = sess.SessionID
	msg.Push = push
	msg.FileName = fileName
	msg.Encrypted = encrypted
	msg.Compressed = compressed

	processed := data
	if compressed {
		processed, err = transfer.Compress(processed)
		if err != nil {
			return nil, err
		}
	}
	if encrypted {
		processed, err = e.boundary.Encrypt(to, processed)
		if err != nil {
			return nil, fmt.Errorf("encrypt file payload: %w", err)
		}
	}

	if _, err := e.outbox.EnqueueHeld(msg); err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"file_name":       fileName,
	}).Debug("File message admitted, awaiting upload")

	e.spawn(func() {
		locator, err := e.files.Upload(e.ctx, processed, contentType)
		if err != nil {
			// Bulk transfer failures are not transient the way socket
			// drops are: fail the message directly.
			_ = e.outbox.MarkFailedTerminal(msg.ID)
			msg.Status = message.StatusFailedTerminal
			if done != nil {
				done(msg, err)
			} else {
				e.reportSendFailure(msg, err)
			}
			return
		}

		attach := func(m *message.Message) {
			if m.Params == nil {
				m.Params = make(map[string]string)
			}
			m.Params[paramLocator] = locator
			m.Params[paramFileType] = contentType
		}
		if err := e.outbox.UpdateMessage(msg.ID, attach); err != nil {
			logrus.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Error("Failed to attach locator to file message")
		}
		attach(msg)

		if err := e.outbox.Release(msg.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Error("Failed to release file message for sending")
		}

		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"locator":    locator,
			"file_name":  fileName,
		}).Info("File payload uploaded")

		if done != nil {
			done(msg, nil)
		}
		e.kickNext()
	})

	return msg, nil
}

// SendFilePath reads a local file and sends it via SendFile.
func (e *Engine) SendFilePath(path, contentType string, encrypted, compressed bool, to string, params map[string]string, push string, done func(*message.Message, error)) (*message.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", path, err)
	}
	return e.SendFile(data, filepath.Base(path), contentType, encrypted, compressed, to, params, push, done)
}

// DownloadFileMessage fetches the payload behind a file message,
// decrypts and decompresses it per the message flags, and delivers the
// plaintext through done.
func (e *Engine) DownloadFileMessage(msg *message.Message, done func([]byte, error)) error {
	if _, err := e.admit(); err != nil {
		return err
	}
	if msg.Kind != message.KindFile {
		return fmt.Errorf("message %s is not a file message", msg.ID)
	}
	locator := msg.Params[paramLocator]
	if locator == "" {
		return fmt.Errorf("message %s carries no locator", msg.ID)
	}

	e.spawn(func() {
		data, err := e.files.Download(e.ctx, locator)
		if err == nil && msg.Encrypted {
			data, err = e.boundary.Decrypt(msg.ConversationID, data)
		}
		if err == nil && msg.Compressed {
			data, err = transfer.Decompress(data)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"locator":    locator,
				"error":      err.Error(),
			}).Error("File download failed")
			done(nil, err)
			return
		}
		done(data, nil)
	})

	return nil
}

// enqueue persists a new outgoing message and kicks the send path when
// connected.
func (e *Engine) enqueue(msg *message.Message) error {
	if _, err := e.outbox.Enqueue(msg); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"kind":            msg.Kind,
		"status":          msg.Status.String(),
	}).Debug("Message admitted")

	if e.channel.IsConnected() {
		e.spawn(e.kickNext)
	}
	return nil
}

// eventFromMessage translates an outgoing message into its wire event.
func eventFromMessage(msg *message.Message) transport.Event {
	params := cloneParams(msg.Params)

	var eventType transport.EventType
	switch msg.Kind {
	case message.KindNotification:
		eventType = transport.EventNotification
	case message.KindTemporalNotification:
		eventType = transport.EventTemporalNotification
	case message.KindDelete:
		eventType = transport.EventDelete
	case message.KindFile:
		eventType = transport.EventMessage
		if params == nil {
			params = make(map[string]string)
		}
		params[paramKind] = "file"
		params[paramFileName] = msg.FileName
		if msg.Compressed {
			params[paramCompress] = "true"
		}
	default:
		eventType = transport.EventMessage
	}

	if msg.Push != "" {
		if params == nil {
			params = make(map[string]string)
		}
		params[paramPush] = msg.Push
	}

	return transport.Event{
		Type:           eventType,
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Payload:        msg.Payload,
		Params:         params,
		Encrypted:      msg.Encrypted,
	}
}

func cloneParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
