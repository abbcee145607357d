// Package session holds the process-wide session identity: who this
// device is towards the relay, and the watermark through which inbound
// history has been fully applied.
//
// Exactly one session is live at a time. All engine components read it
// by reference; only the delivery engine mutates it, through the store
// in this package.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/storage"
)

const (
	tableName  = "session"
	currentKey = "current"
)

// ErrNotFound indicates no session has been persisted yet.
var ErrNotFound = errors.New("no stored session")

// Session is the persistent session state created by authentication and
// destroyed on explicit close.
type Session struct {
	SessionID         string            `json:"session_id"`
	AppID             string            `json:"app_id"`
	AppKey            string            `json:"app_key"`
	UserMetadata      map[string]string `json:"user_metadata,omitempty"`
	LastSyncTimestamp int64             `json:"last_sync_timestamp"`
	ExpireSession     bool              `json:"expire_session"`
	AutoSync          bool              `json:"auto_sync"`
}

// Store persists the session and enforces the monotonic watermark.
type Store struct {
	mu    sync.Mutex
	store storage.Store
}

// NewStore creates a session store over the given backing store.
func NewStore(store storage.Store) *Store {
	return &Store{store: store}
}

// Load hydrates the persisted session, or returns ErrNotFound on a cold
// start with no prior session.
func (s *Store) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save persists the session.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(sess)
}

// SetSessionID updates the relay-assigned session identity.
func (s *Store) SetSessionID(id string) error {
	return s.mutate(func(sess *Session) { sess.SessionID = id })
}

// SetUserMetadata replaces the local user metadata.
func (s *Store) SetUserMetadata(meta map[string]string) error {
	return s.mutate(func(sess *Session) { sess.UserMetadata = meta })
}

// AdvanceLastSync raises the watermark to ts. A lower or equal value is
// a silent no-op, never an error: the watermark only moves forward. The
// current watermark is returned either way.
func (s *Store) AdvanceLastSync(ts int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load()
	if err != nil {
		return 0, err
	}
	if ts <= sess.LastSyncTimestamp {
		return sess.LastSyncTimestamp, nil
	}

	sess.LastSyncTimestamp = ts
	if err := s.save(sess); err != nil {
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"watermark": ts,
	}).Debug("Sync watermark advanced")

	return ts, nil
}

// Delete removes the persisted session.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(tableName, currentKey); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) mutate(fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load()
	if err != nil {
		return err
	}
	fn(sess)
	return s.save(sess)
}

func (s *Store) load() (*Session, error) {
	value, err := s.store.Get(tableName, currentKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(value, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *Store) save(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.store.Put(tableName, currentKey, data); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}
