// Package crypto implements the per-message encryption boundary.
//
// Payloads are encrypted and decrypted with a symmetric key held per
// conversation. Both operations are pure functions of their inputs plus
// the key material resolvable from the keystore; a failure is terminal
// for that single message, never for the engine.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the size of the secretbox nonce prefixed to every
// ciphertext.
const NonceSize = 24

// KeySize is the size of a conversation key.
const KeySize = 32

// MaxPayloadSize bounds plaintext size (1MB) to prevent excessive
// memory usage.
const MaxPayloadSize = 1024 * 1024

var (
	// ErrKeyNotFound indicates no key material exists for the conversation.
	ErrKeyNotFound = errors.New("no key for conversation")
	// ErrDecryptFailed indicates malformed ciphertext or failed
	// authentication.
	ErrDecryptFailed = errors.New("decryption failed")
	// ErrPayloadTooLarge indicates the plaintext exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return [NonceSize]byte{}, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// GenerateKey creates a fresh random conversation key.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return [KeySize]byte{}, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Boundary encrypts outgoing and decrypts incoming payloads keyed by
// conversation.
type Boundary struct {
	keys *Keystore
}

// NewBoundary creates a boundary resolving keys from the given keystore.
func NewBoundary(keys *Keystore) *Boundary {
	return &Boundary{keys: keys}
}

// Encrypt seals plaintext for the conversation using authenticated
// symmetric encryption. The random nonce is prefixed to the ciphertext.
func (b *Boundary) Encrypt(conversationID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	key, err := b.keys.Key(conversationID)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	out := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	return out, nil
}

// Decrypt opens a nonce-prefixed ciphertext for the conversation.
func (b *Boundary) Decrypt(conversationID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}

	key, err := b.keys.Key(conversationID)
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
