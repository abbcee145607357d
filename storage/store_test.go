package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	fs := NewMemory()

	require.NoError(t, fs.Put("outbox", "a", []byte("one")))

	value, err := fs.Get("outbox", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), value)

	require.NoError(t, fs.Delete("outbox", "a"))

	_, err = fs.Get("outbox", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissingTable(t *testing.T) {
	fs := NewMemory()

	_, err := fs.Get("nope", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAbsentKeyIsNoOp(t *testing.T) {
	fs := NewMemory()

	assert.NoError(t, fs.Delete("outbox", "missing"))
}

func TestScanOrdering(t *testing.T) {
	fs := NewMemory()

	require.NoError(t, fs.Put("ledger", "c", []byte("3")))
	require.NoError(t, fs.Put("ledger", "a", []byte("1")))
	require.NoError(t, fs.Put("ledger", "b", []byte("2")))

	var keys []string
	require.NoError(t, fs.Scan("ledger", func(key string, value []byte) bool {
		keys = append(keys, key)
		return true
	}))

	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestScanEarlyStop(t *testing.T) {
	fs := NewMemory()

	require.NoError(t, fs.Put("ledger", "a", []byte("1")))
	require.NoError(t, fs.Put("ledger", "b", []byte("2")))

	var visited int
	require.NoError(t, fs.Scan("ledger", func(key string, value []byte) bool {
		visited++
		return false
	}))

	assert.Equal(t, 1, visited)
}

func TestClosedStoreUnavailable(t *testing.T) {
	fs := NewMemory()
	require.NoError(t, fs.Close())

	assert.ErrorIs(t, fs.Put("outbox", "a", []byte("x")), ErrUnavailable)

	_, err := fs.Get("outbox", "a")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	fs, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Put("session", "current", []byte(`{"id":"s1"}`)))
	require.NoError(t, fs.Put("outbox", "m1", []byte("payload")))
	require.NoError(t, fs.Close())

	reopened, err := New(dir)
	require.NoError(t, err)

	value, err := reopened.Get("session", "current")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"s1"}`), value)

	value, err = reopened.Get("outbox", "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), value)
}

func TestValueCopiesAreIsolated(t *testing.T) {
	fs := NewMemory()

	original := []byte("abc")
	require.NoError(t, fs.Put("t", "k", original))
	original[0] = 'x'

	value, err := fs.Get("t", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), value)

	value[1] = 'y'
	again, err := fs.Get("t", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
