package transfer

import (
	"context"
	"fmt"
	"sync"
)

// MemoryAdapter implements Adapter with in-process storage. The engine
// tests and the demo client use it in place of the HTTP file service.
type MemoryAdapter struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	nextID  int
	failUp  bool
	failDwn bool
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{blobs: make(map[string][]byte)}
}

// FailUploads makes subsequent uploads fail with ErrTransferFailed.
func (m *MemoryAdapter) FailUploads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUp = fail
}

// FailDownloads makes subsequent downloads fail with ErrTransferFailed.
func (m *MemoryAdapter) FailDownloads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDwn = fail
}

// Upload implements Adapter.
func (m *MemoryAdapter) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUp {
		return "", fmt.Errorf("%w: simulated upload failure", ErrTransferFailed)
	}

	m.nextID++
	locator := fmt.Sprintf("mem://blob/%d", m.nextID)
	buf := make([]byte, len(data))
	copy(buf, data)
	m.blobs[locator] = buf
	return locator, nil
}

// Download implements Adapter.
func (m *MemoryAdapter) Download(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDwn {
		return nil, fmt.Errorf("%w: simulated download failure", ErrTransferFailed)
	}

	data, ok := m.blobs[locator]
	if !ok {
		return nil, fmt.Errorf("%w: unknown locator %q", ErrTransferFailed, locator)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}
