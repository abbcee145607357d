package transfer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("compressible payload "), 100)

	compressed, err := Compress(original)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(original))

	restored, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestDecompressGarbage(t *testing.T) {
	_, err := Decompress([]byte("not gzip"))
	assert.Error(t, err)
}

func TestMemoryAdapterRoundTrip(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	locator, err := m.Upload(ctx, []byte("file bytes"), "application/octet-stream")
	require.NoError(t, err)
	require.NotEmpty(t, locator)

	data, err := m.Download(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, []byte("file bytes"), data)
}

func TestMemoryAdapterFailures(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	t.Run("empty payload", func(t *testing.T) {
		_, err := m.Upload(ctx, nil, "application/octet-stream")
		assert.ErrorIs(t, err, ErrEmptyPayload)
	})

	t.Run("unknown locator", func(t *testing.T) {
		_, err := m.Download(ctx, "mem://blob/999")
		assert.ErrorIs(t, err, ErrTransferFailed)
	})

	t.Run("simulated failures", func(t *testing.T) {
		m.FailUploads(true)
		_, err := m.Upload(ctx, []byte("x"), "application/octet-stream")
		assert.ErrorIs(t, err, ErrTransferFailed)
		m.FailUploads(false)

		m.FailDownloads(true)
		_, err = m.Download(ctx, "mem://blob/1")
		assert.ErrorIs(t, err, ErrTransferFailed)
	})
}

func TestHTTPAdapterUploadDownload(t *testing.T) {
	var stored []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(r.Body)
		stored = body.Bytes()
		w.Header().Set("Location", "http://"+r.Host+"/files/1")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /files/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(stored)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL+"/upload", 5*time.Second)
	ctx := context.Background()

	locator, err := adapter.Upload(ctx, []byte("payload"), "application/octet-stream")
	require.NoError(t, err)
	assert.Contains(t, locator, "/files/1")

	data, err := adapter.Download(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestHTTPAdapterBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := adapter.Upload(ctx, []byte("x"), "application/octet-stream")
		assert.ErrorIs(t, err, ErrTransferFailed)
	}

	// Breaker is open now: the request never reaches the server.
	before := hits.Load()
	_, err := adapter.Upload(ctx, []byte("x"), "application/octet-stream")
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, before, hits.Load())
}
