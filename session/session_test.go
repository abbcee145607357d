package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaycore/storage"
)

func TestLoadMissing(t *testing.T) {
	s := NewStore(storage.NewMemory())

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(storage.NewMemory())

	sess := &Session{
		SessionID:         "monkey-1",
		AppID:             "app",
		AppKey:            "secret",
		UserMetadata:      map[string]string{"name": "alice"},
		LastSyncTimestamp: 42,
		AutoSync:          true,
	}
	require.NoError(t, s.Save(sess))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, sess, loaded)
}

func TestAdvanceLastSyncMonotonic(t *testing.T) {
	s := NewStore(storage.NewMemory())
	require.NoError(t, s.Save(&Session{SessionID: "s1", LastSyncTimestamp: 1000}))

	t.Run("higher value advances", func(t *testing.T) {
		wm, err := s.AdvanceLastSync(2000)
		require.NoError(t, err)
		assert.Equal(t, int64(2000), wm)
	})

	t.Run("lower value is a no-op", func(t *testing.T) {
		wm, err := s.AdvanceLastSync(500)
		require.NoError(t, err)
		assert.Equal(t, int64(2000), wm)

		loaded, err := s.Load()
		require.NoError(t, err)
		assert.Equal(t, int64(2000), loaded.LastSyncTimestamp)
	})

	t.Run("equal value is a no-op", func(t *testing.T) {
		wm, err := s.AdvanceLastSync(2000)
		require.NoError(t, err)
		assert.Equal(t, int64(2000), wm)
	})
}

func TestSetters(t *testing.T) {
	s := NewStore(storage.NewMemory())
	require.NoError(t, s.Save(&Session{SessionID: "old"}))

	require.NoError(t, s.SetSessionID("new"))
	require.NoError(t, s.SetUserMetadata(map[string]string{"name": "bob"}))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "new", loaded.SessionID)
	assert.Equal(t, "bob", loaded.UserMetadata["name"])
}

func TestDelete(t *testing.T) {
	s := NewStore(storage.NewMemory())
	require.NoError(t, s.Save(&Session{SessionID: "s1"}))

	require.NoError(t, s.Delete())

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := storage.New(dir)
	require.NoError(t, err)
	require.NoError(t, NewStore(store).Save(&Session{SessionID: "s1", LastSyncTimestamp: 7}))
	require.NoError(t, store.Close())

	reopened, err := storage.New(dir)
	require.NoError(t, err)
	loaded, err := NewStore(reopened).Load()
	require.NoError(t, err)
	assert.Equal(t, "s1", loaded.SessionID)
	assert.Equal(t, int64(7), loaded.LastSyncTimestamp)
}
