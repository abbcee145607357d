package relaycore

import "time"

// Options contains configuration for creating an engine instance.
type Options struct {
	// DataDir is where durable state lives. Empty means in-memory only.
	DataDir string

	// MaxSendAttempts bounds transport send retries per message before
	// the failure becomes terminal.
	MaxSendAttempts int

	// RetryInterval is the base backoff after a transient send failure;
	// it doubles per attempt up to MaxRetryInterval.
	RetryInterval time.Duration

	// MaxRetryInterval caps the backoff growth.
	MaxRetryInterval time.Duration

	// SendTimeout is the per-attempt deadline for a transport send.
	SendTimeout time.Duration

	// RequestTimeout is the deadline for request/response operations
	// such as group creation and history queries.
	RequestTimeout time.Duration

	// SendRate and SendBurst pace outgoing transport sends so a replay
	// burst after reconnect does not flood the channel.
	SendRate  float64
	SendBurst int

	// MaxPayloadSize bounds a single message payload. Larger payloads
	// fail immediately without entering the outbox.
	MaxPayloadSize int

	// ExpireSession marks newly created sessions as server-expirable.
	ExpireSession bool

	// AutoSync requests pending inbound history from the watermark every
	// time the transport reports connected.
	AutoSync bool
}

// NewOptions returns the default engine configuration.
func NewOptions() *Options {
	return &Options{
		MaxSendAttempts:  5,
		RetryInterval:    time.Second,
		MaxRetryInterval: 30 * time.Second,
		SendTimeout:      10 * time.Second,
		RequestTimeout:   10 * time.Second,
		SendRate:         50,
		SendBurst:        10,
		MaxPayloadSize:   1024 * 1024,
		AutoSync:         true,
	}
}
