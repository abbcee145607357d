package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/storage"
)

const tableName = "keys"

// Keystore holds the symmetric key for each conversation, persisted in
// the shared durable store so keys survive restarts.
type Keystore struct {
	mu    sync.RWMutex
	store storage.Store
	cache map[string][KeySize]byte
}

// NewKeystore creates a keystore over the given backing store.
func NewKeystore(store storage.Store) *Keystore {
	return &Keystore{
		store: store,
		cache: make(map[string][KeySize]byte),
	}
}

// SetKey installs the key for a conversation, replacing any prior key.
func (ks *Keystore) SetKey(conversationID string, key [KeySize]byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	encoded := []byte(hex.EncodeToString(key[:]))
	if err := ks.store.Put(tableName, conversationID, encoded); err != nil {
		logrus.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Error("Failed to persist conversation key")
		return fmt.Errorf("persist conversation key: %w", err)
	}
	ks.cache[conversationID] = key

	return nil
}

// Key resolves the key for a conversation, or ErrKeyNotFound.
func (ks *Keystore) Key(conversationID string) ([KeySize]byte, error) {
	ks.mu.RLock()
	key, ok := ks.cache[conversationID]
	ks.mu.RUnlock()
	if ok {
		return key, nil
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if key, ok = ks.cache[conversationID]; ok {
		return key, nil
	}

	value, err := ks.store.Get(tableName, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return [KeySize]byte{}, ErrKeyNotFound
	}
	if err != nil {
		return [KeySize]byte{}, fmt.Errorf("load conversation key: %w", err)
	}

	decoded, err := hex.DecodeString(string(value))
	if err != nil || len(decoded) != KeySize {
		return [KeySize]byte{}, fmt.Errorf("%w: malformed stored key", ErrKeyNotFound)
	}
	copy(key[:], decoded)
	ks.cache[conversationID] = key

	return key, nil
}

// HasKey reports whether key material exists for the conversation.
func (ks *Keystore) HasKey(conversationID string) bool {
	_, err := ks.Key(conversationID)
	return err == nil
}
