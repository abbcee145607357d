// Package storage provides the durable table/key/value store backing the
// outbox, the dedup ledger, the session store, and the conversation
// keystore.
//
// The store keeps every table in memory behind a per-table lock and,
// when constructed with a data directory, mirrors each table to a JSON
// snapshot on every mutation so that state survives process restarts.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound indicates the requested key does not exist in the table.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable indicates the store has been closed or its backing
	// directory cannot be written.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the persistence boundary used by every durable component.
// Keys within a table are visited by Scan in ascending lexical order.
type Store interface {
	Put(table, key string, value []byte) error
	Get(table, key string) ([]byte, error)
	Delete(table, key string) error
	Scan(table string, fn func(key string, value []byte) bool) error
}

// FileStore implements Store with in-memory tables and optional JSON
// snapshots on disk. A FileStore constructed with an empty directory is
// purely in-memory, which is what the tests use.
type FileStore struct {
	mu     sync.RWMutex
	dir    string
	tables map[string]*table
	closed bool
}

type table struct {
	mu   sync.RWMutex
	rows map[string][]byte
}

// New creates a FileStore rooted at dir. When dir is non-empty, existing
// table snapshots are loaded and every mutation rewrites the affected
// table's snapshot.
func New(dir string) (*FileStore, error) {
	fs := &FileStore{
		dir:    dir,
		tables: make(map[string]*table),
	}

	if dir == "" {
		return fs, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := entry.Name()[:len(entry.Name())-len(".json")]
		if err := fs.loadTable(name); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"dir":    dir,
		"tables": len(fs.tables),
	}).Debug("Storage opened")

	return fs, nil
}

// NewMemory creates a purely in-memory store.
func NewMemory() *FileStore {
	fs, _ := New("")
	return fs
}

func (fs *FileStore) loadTable(name string) error {
	data, err := os.ReadFile(fs.snapshotPath(name))
	if err != nil {
		return fmt.Errorf("read table %q: %w", name, err)
	}

	rows := make(map[string][]byte)
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decode table %q: %w", name, err)
	}

	fs.tables[name] = &table{rows: rows}
	return nil
}

func (fs *FileStore) snapshotPath(name string) string {
	return filepath.Join(fs.dir, name+".json")
}

// tableFor returns the named table, creating it when create is set.
func (fs *FileStore) tableFor(name string, create bool) (*table, error) {
	fs.mu.RLock()
	if fs.closed {
		fs.mu.RUnlock()
		return nil, ErrUnavailable
	}
	t := fs.tables[name]
	fs.mu.RUnlock()

	if t != nil || !create {
		return t, nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, ErrUnavailable
	}
	if t = fs.tables[name]; t == nil {
		t = &table{rows: make(map[string][]byte)}
		fs.tables[name] = t
	}
	return t, nil
}

// Put stores value under key, creating the table on first use.
func (fs *FileStore) Put(tableName, key string, value []byte) error {
	t, err := fs.tableFor(tableName, true)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	t.rows[key] = buf

	return fs.persist(tableName, t)
}

// Get returns the value stored under key or ErrNotFound.
func (fs *FileStore) Get(tableName, key string) ([]byte, error) {
	t, err := fs.tableFor(tableName, false)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	value, ok := t.rows[key]
	if !ok {
		return nil, ErrNotFound
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

// Delete removes key from the table. Deleting an absent key is a no-op.
func (fs *FileStore) Delete(tableName, key string) error {
	t, err := fs.tableFor(tableName, false)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rows[key]; !ok {
		return nil
	}
	delete(t.rows, key)

	return fs.persist(tableName, t)
}

// Scan visits every row of the table in ascending key order until fn
// returns false. The callback receives copies and may not mutate the
// table from within the scan.
func (fs *FileStore) Scan(tableName string, fn func(key string, value []byte) bool) error {
	t, err := fs.tableFor(tableName, false)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}

	t.mu.RLock()
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	values := make(map[string][]byte, len(t.rows))
	for k, v := range t.rows {
		buf := make([]byte, len(v))
		copy(buf, v)
		values[k] = buf
	}
	t.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, values[k]) {
			return nil
		}
	}
	return nil
}

// persist rewrites the table snapshot. Callers hold the table lock.
func (fs *FileStore) persist(name string, t *table) error {
	if fs.dir == "" {
		return nil
	}

	data, err := json.Marshal(t.rows)
	if err != nil {
		return fmt.Errorf("encode table %q: %w", name, err)
	}

	tmp := fs.snapshotPath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		logrus.WithFields(logrus.Fields{
			"table": name,
			"error": err.Error(),
		}).Error("Failed to write table snapshot")
		return fmt.Errorf("%w: write table %q: %v", ErrUnavailable, name, err)
	}
	if err := os.Rename(tmp, fs.snapshotPath(name)); err != nil {
		return fmt.Errorf("%w: commit table %q: %v", ErrUnavailable, name, err)
	}
	return nil
}

// Close marks the store unavailable. Subsequent operations return
// ErrUnavailable; the on-disk snapshots stay intact for the next open.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	return nil
}
