// Package ledger tracks which inbound message identifiers have already
// been applied, so that a redelivered event produces no second visible
// effect.
//
// The ledger shares the durable store with the outbox and session
// store: once RecordSeen returns, Seen answers true for the same id
// even across a process restart.
package ledger

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/storage"
)

const tableName = "ledger"

// Ledger is the inbound dedup record.
type Ledger struct {
	mu    sync.Mutex
	store storage.Store
}

// New creates a ledger backed by the given store.
func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// Seen reports whether the inbound id has already been applied.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.store.Get(tableName, id)
	return err == nil
}

// RecordSeen durably marks the id as applied together with the relay
// timestamp it carried.
func (l *Ledger) RecordSeen(id string, serverTimestamp int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	value := []byte(strconv.FormatInt(serverTimestamp, 10))
	if err := l.store.Put(tableName, id, value); err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": id,
			"error":      err.Error(),
		}).Error("Failed to record seen id")
		return fmt.Errorf("record seen id: %w", err)
	}
	return nil
}
