// Package crypto provides the anonymization and envelope encryption used by
// the gossip overlay: sensitive pattern fields are salted-hashed before they
// leave the node, and every payload travels inside an AES-256-GCM envelope
// under the pre-shared network key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// EnvelopeVersion tags the wire format for forward compatibility.
const EnvelopeVersion = "1.0"

// Envelope is the encrypted, versioned wrapper around any gossip payload.
// All three topics use the same shape.
type Envelope struct {
	Encrypted string `json:"encrypted"`
	Timestamp int64  `json:"timestamp"` // epoch ms
	Version   string `json:"version"`
}

// DecryptionError indicates a ciphertext that cannot be decrypted or parsed
// under the configured network key. Callers must treat it as drop-and-log,
// never as fatal.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("envelope decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Cipher encrypts and decrypts gossip envelopes under a symmetric key
// derived from the pre-shared network key string.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit AES key from the network key string and
// prepares an AEAD for envelope operations.
func NewCipher(networkKey string) (*Cipher, error) {
	if networkKey == "" {
		return nil, fmt.Errorf("network key must not be empty")
	}
	key := sha256.Sum256([]byte(networkKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the payload and wraps it in a versioned envelope. The nonce
// is prepended to the ciphertext before base64 encoding.
func (c *Cipher) Encrypt(payload []byte) (*Envelope, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, payload, nil)
	return &Envelope{
		Encrypted: base64.StdEncoding.EncodeToString(sealed),
		Timestamp: time.Now().UnixMilli(),
		Version:   EnvelopeVersion,
	}, nil
}

// Decrypt opens an envelope and returns the plaintext payload. Any failure
// to decode or authenticate the ciphertext is reported as a DecryptionError.
func (c *Cipher) Decrypt(env *Envelope) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, &DecryptionError{Err: fmt.Errorf("ciphertext shorter than nonce")}
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	payload, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return payload, nil
}
