// Package transfer bridges large binary payloads between the engine's
// message identity space and the bulk-transfer subsystem.
//
// The engine hands a file payload to an Adapter before the owning
// message leaves the pending state; the resulting locator travels in
// the message itself while the bytes travel over HTTP. A circuit
// breaker shields the engine from a flapping transfer endpoint.
package transfer

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var (
	// ErrTransferFailed indicates an upload or download failed. Transfer
	// failures are terminal for the owning file message and are surfaced
	// directly to the caller, never retried by the engine.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrEmptyPayload indicates an upload with no bytes.
	ErrEmptyPayload = errors.New("empty payload")
)

// Adapter moves opaque byte payloads to and from the bulk-transfer
// subsystem. Both calls are synchronous; the engine invokes them from a
// background goroutine so the transport event path is never blocked.
type Adapter interface {
	// Upload stores data and returns its locator.
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
	// Download fetches the bytes behind a locator.
	Download(ctx context.Context, locator string) ([]byte, error)
}

// HTTPAdapter implements Adapter against an HTTP file service. Uploads
// POST to baseURL and read the locator from the Location header (or the
// response body when absent); downloads GET the locator.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPAdapter creates an adapter for the given base URL.
func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bulk-transfer",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Transfer circuit breaker state changed")
		},
	})

	return &HTTPAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Upload implements Adapter.
func (a *HTTPAdapter) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("upload status %d", resp.StatusCode)
		}

		if locator := resp.Header.Get("Location"); locator != "" {
			return locator, nil
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return string(body), nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"size":  len(data),
			"error": err.Error(),
		}).Error("Upload failed")
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	return result.(string), nil
}

// Download implements Adapter.
func (a *HTTPAdapter) Download(ctx context.Context, locator string) ([]byte, error) {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
		if err != nil {
			return nil, err
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"locator": locator,
			"error":   err.Error(),
		}).Error("Download failed")
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	return result.([]byte), nil
}

// Compress gzips a payload for the compressed-file wire format.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}
