package relaycore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized indicates an operation before Init succeeded.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrClosed indicates an operation after Close.
	ErrClosed = errors.New("engine closed")
	// ErrNotConnected indicates a real-time-only operation while the
	// transport is down.
	ErrNotConnected = errors.New("transport not connected")
	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize.
	// This failure is not retriable.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	// ErrRequestTimeout indicates the relay did not answer a request
	// within the configured deadline.
	ErrRequestTimeout = errors.New("request timed out")
)

// RelayError is a semantic rejection reported by the relay, such as a
// bad group id. Relay errors are terminal and surfaced to the caller.
type RelayError struct {
	Description string
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	return fmt.Sprintf("relay rejected: %s", e.Description)
}
